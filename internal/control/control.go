// Package control exposes the engine's control interface over a Unix
// domain socket: a minimal line-oriented text protocol wrapping
// Engine.Submit and Engine.Status, so an init script or UI frontend can
// drive START/STOP/PAUSE/RESUME and read the current state without linking
// against the daemon.
package control

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"dns-sinkhole-vpn/internal/core"
	"dns-sinkhole-vpn/internal/engine"
)

// Server accepts line-oriented commands on a Unix domain socket and
// forwards them to an Engine.
type Server struct {
	socketPath string
	engine     *engine.Engine
	logger     *core.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a control server bound to socketPath, which is removed
// first if a stale socket file is left over from a previous run.
func NewServer(socketPath string, eng *engine.Engine, logger *core.Logger) (*Server, error) {
	if logger == nil {
		logger = core.Log
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("remove stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}
	return &Server{socketPath: socketPath, engine: eng, logger: logger, listener: ln}, nil
}

// Serve accepts connections until Close is called, handling each one on
// its own goroutine. It returns nil when the listener was closed
// deliberately.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		go s.handle(conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	os.RemoveAll(s.socketPath)
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		reply := s.dispatch(line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			s.logger.Warnf("control", "write reply: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(cmd string) string {
	switch cmd {
	case "START":
		s.engine.Submit(engine.CmdStart)
		return "OK"
	case "STOP":
		s.engine.Submit(engine.CmdStop)
		return "OK"
	case "PAUSE":
		s.engine.Submit(engine.CmdPause)
		return "OK"
	case "RESUME":
		s.engine.Submit(engine.CmdResume)
		return "OK"
	case "STATUS":
		return s.engine.Status().Current().String()
	default:
		return "ERROR unknown command"
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
