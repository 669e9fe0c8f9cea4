// Package wire implements the on-the-wire encoding of the RTPS-like
// message and submessage formats: the parts of the
// protocol the reliability engine itself must parse and emit
// (HEARTBEAT, ACKNACK, GAP, NACKFRAG, HEARTBEATFRAG, DATA, DATAFRAG,
// INFO_TS/SRC/DST). SPDP/SEDP discovery payloads are out of scope.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// ErrMalformed is returned for any structurally invalid input: short
// buffers, missing sentinels, lengths that run past the message end.
// This is always non-fatal: callers drop the message.
var ErrMalformed = errors.New("wire: malformed message")

const (
	headerMagic         = "RTPS"
	HeaderLen           = 20
	SubmessageHeaderLen = 4
)

// ProtocolVersion is the {major, minor} pair carried in Header.
type ProtocolVersion struct {
	Major, Minor uint8
}

// VendorID identifies the implementation that produced a message.
type VendorID [2]byte

// Header is the fixed 20-byte prefix of every RTPS message.
type Header struct {
	Version    ProtocolVersion
	Vendor     VendorID
	GUIDPrefix rtps.GUIDPrefix
}

func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:4], headerMagic)
	buf[4] = h.Version.Major
	buf[5] = h.Version.Minor
	buf[6] = h.Vendor[0]
	buf[7] = h.Vendor[1]
	copy(buf[8:20], h.GUIDPrefix[:])
	return buf
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if string(buf[0:4]) != headerMagic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	var h Header
	h.Version = ProtocolVersion{Major: buf[4], Minor: buf[5]}
	h.Vendor = VendorID{buf[6], buf[7]}
	copy(h.GUIDPrefix[:], buf[8:20])
	return h, nil
}

// SubmessageID identifies a submessage kind.
type SubmessageID byte

const (
	SubmsgACKNACK       SubmessageID = 0x06
	SubmsgHEARTBEAT     SubmessageID = 0x07
	SubmsgGAP           SubmessageID = 0x08
	SubmsgINFO_TS       SubmessageID = 0x09
	SubmsgINFO_SRC      SubmessageID = 0x0c
	SubmsgINFO_DST      SubmessageID = 0x0e
	SubmsgNACKFRAG      SubmessageID = 0x12
	SubmsgHEARTBEATFRAG SubmessageID = 0x13
	SubmsgDATA          SubmessageID = 0x15
	SubmsgDATAFRAG      SubmessageID = 0x16
)

// Submessage flag bits common to every submessage header.
const (
	FlagEndianness byte = 1 << 0 // bit 0: little-endian when set
)

// SubmessageHeader is the 4-byte prefix of every submessage.
type SubmessageHeader struct {
	ID                 SubmessageID
	Flags              byte
	OctetsToNextHeader uint16
}

func (h SubmessageHeader) littleEndian() bool { return h.Flags&FlagEndianness != 0 }

func (h SubmessageHeader) order() binary.ByteOrder {
	if h.littleEndian() {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (h SubmessageHeader) Encode() []byte {
	buf := make([]byte, SubmessageHeaderLen)
	buf[0] = byte(h.ID)
	buf[1] = h.Flags
	h.order().PutUint16(buf[2:4], h.OctetsToNextHeader)
	return buf
}

func DecodeSubmessageHeader(buf []byte) (SubmessageHeader, error) {
	if len(buf) < SubmessageHeaderLen {
		return SubmessageHeader{}, fmt.Errorf("%w: short submessage header", ErrMalformed)
	}
	h := SubmessageHeader{ID: SubmessageID(buf[0]), Flags: buf[1]}
	h.OctetsToNextHeader = h.order().Uint16(buf[2:4])
	return h, nil
}
