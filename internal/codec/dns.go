package codec

// DNS message layout constants, per RFC 1035 §4.1. Only the header and the
// first question are ever inspected — EDNS/OPT records and any additional
// questions are left untouched in the passthrough path and never parsed.
const (
	dnsHeaderLen  = 12
	maxLabelLen   = 63
	maxNameLen    = 255
	rcodeNXDomain = 0x03
)

// Query is the decoded id and question name of one DNS query. Name is the
// dotted question name with its case as seen on the wire (no trailing dot).
type Query struct {
	ID   uint16
	Name string
}

// DecodeQuery parses the header and first question out of buf. It reports
// ok=false for anything that is not a well-formed single-question query:
// a buffer shorter than the header, a header whose QDCOUNT is not 1, a
// question whose label walk runs past the end of the buffer, or a label
// longer than maxLabelLen.
func DecodeQuery(buf []byte) (Query, bool) {
	if len(buf) < dnsHeaderLen {
		return Query{}, false
	}
	id := uint16(buf[0])<<8 | uint16(buf[1])
	qr := buf[2] & 0x80
	if qr != 0 {
		return Query{}, false // this is a response, not a query
	}
	qdcount := uint16(buf[4])<<8 | uint16(buf[5])
	if qdcount != 1 {
		return Query{}, false
	}

	name, _, ok := decodeName(buf, dnsHeaderLen)
	if !ok {
		return Query{}, false
	}
	return Query{ID: id, Name: name}, true
}

// decodeName walks a (possibly compressed) name starting at pos, returning
// the dotted name and the offset immediately after it. Compression
// pointers are followed but never into a position at or after pos (forward
// references indicate a malformed or hostile message and are rejected),
// bounding the walk.
func decodeName(buf []byte, pos int) (string, int, bool) {
	var name []byte
	origPos := pos
	jumped := false
	guard := 0

	for {
		guard++
		if guard > 128 {
			return "", 0, false
		}
		if pos >= len(buf) {
			return "", 0, false
		}
		labelLen := int(buf[pos])

		if labelLen == 0 {
			pos++
			break
		}
		if labelLen&0xC0 == 0xC0 {
			if pos+1 >= len(buf) {
				return "", 0, false
			}
			ptr := (labelLen&0x3F)<<8 | int(buf[pos+1])
			if ptr >= pos {
				return "", 0, false
			}
			if !jumped {
				origPos = pos + 2
				jumped = true
			}
			pos = ptr
			continue
		}
		if labelLen > maxLabelLen {
			return "", 0, false
		}
		pos++
		if pos+labelLen > len(buf) {
			return "", 0, false
		}
		if len(name) > 0 {
			name = append(name, '.')
		}
		name = append(name, buf[pos:pos+labelLen]...)
		pos += labelLen
		if len(name) > maxNameLen {
			return "", 0, false
		}
	}

	end := pos
	if jumped {
		end = origPos
	}
	return string(name), end, true
}

// SynthesizeBlock builds a synthetic NXDOMAIN response to query, echoing
// its id and question with QR=1, RA=1, RCODE=NXDOMAIN, and zero answer,
// authority, and additional records.
func SynthesizeBlock(query []byte) []byte {
	if len(query) < dnsHeaderLen {
		return nil
	}
	resp := make([]byte, len(query))
	copy(resp, query)

	resp[2] = query[2] | 0x80   // QR=1
	resp[3] = 0x80 | rcodeNXDomain // RA=1, Z=0, RCODE=NXDOMAIN
	resp[6], resp[7] = 0, 0     // ANCOUNT=0
	resp[8], resp[9] = 0, 0     // NSCOUNT=0
	resp[10], resp[11] = 0, 0   // ARCOUNT=0
	return resp
}

// RewriteClientID patches the 2-byte DNS transaction id at the front of an
// upstream response so it matches what the client originally sent, before
// the response is reframed and written back to the tunnel.
func RewriteClientID(response []byte, clientID uint16) {
	if len(response) < 2 {
		return
	}
	response[0] = byte(clientID >> 8)
	response[1] = byte(clientID)
}
