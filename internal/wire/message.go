package wire

import "fmt"

// RawSubmessage is a still-encoded submessage: header plus its body bytes,
// exactly as it appeared in the message. Re-encoding a RawSubmessage byte
// for byte reproduces the input when endianness is preserved (a
// round-trip property).
type RawSubmessage struct {
	Header SubmessageHeader
	Body   []byte
}

func (r RawSubmessage) Encode() []byte {
	return append(r.Header.Encode(), r.Body...)
}

// Message is a decoded RTPS message: the fixed header plus the sequence of
// submessages it carried.
type Message struct {
	Header      Header
	Submessages []RawSubmessage
}

func (m Message) Encode() []byte {
	buf := append([]byte(nil), m.Header.Encode()...)
	for _, sm := range m.Submessages {
		buf = append(buf, sm.Encode()...)
	}
	return buf
}

// DecodeMessage splits buf into a Header and the raw submessages that
// follow it. It does not interpret submessage bodies — use the
// Decode<Kind> functions for that — so a message containing a kind this
// layer doesn't know about still parses (its body is kept opaque),
// matching the "ignore submessages you don't understand" posture RTPS
// requires of conforming implementations.
func DecodeMessage(buf []byte) (Message, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	msg.Header = hdr
	rest := buf[HeaderLen:]
	for len(rest) > 0 {
		sh, err := DecodeSubmessageHeader(rest)
		if err != nil {
			return Message{}, err
		}
		bodyLen := int(sh.OctetsToNextHeader)
		if SubmessageHeaderLen+bodyLen > len(rest) {
			return Message{}, fmt.Errorf("%w: submessage runs past end of message", ErrMalformed)
		}
		body := rest[SubmessageHeaderLen : SubmessageHeaderLen+bodyLen]
		msg.Submessages = append(msg.Submessages, RawSubmessage{Header: sh, Body: append([]byte(nil), body...)})
		rest = rest[SubmessageHeaderLen+bodyLen:]
	}
	return msg, nil
}
