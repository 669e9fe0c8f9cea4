package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// HeartbeatFlags.
const (
	HeartbeatFlagFinal      byte = 1 << 1
	HeartbeatFlagLiveliness byte = 1 << 2
)

// DataFlags.
const (
	DataFlagInlineQos byte = 1 << 1
	DataFlagData      byte = 1 << 2
	DataFlagKey       byte = 1 << 3
)

// AckNack carries a reader's acknowledged/missing range for one writer.
type AckNack struct {
	ReaderID, WriterID rtps.EntityID
	ReaderSNState      SequenceNumberSet
	Count              uint32
	Final              bool
}

func (m AckNack) flags(le bool) byte {
	var f byte
	if le {
		f |= FlagEndianness
	}
	if m.Final {
		f |= HeartbeatFlagFinal // ACKNACK reuses bit 1 for FINAL per the protocol table
	}
	return f
}

func (m AckNack) Encode(littleEndian bool) []byte {
	order := byteOrder(littleEndian)
	body := make([]byte, 8+m.ReaderSNState.encodedLen()+4)
	copy(body[0:4], m.ReaderID[:])
	copy(body[4:8], m.WriterID[:])
	m.ReaderSNState.encode(order, body[8:])
	order.PutUint32(body[len(body)-4:], m.Count)
	return withHeader(SubmsgACKNACK, m.flags(littleEndian), body)
}

func DecodeAckNack(sh SubmessageHeader, body []byte) (AckNack, error) {
	order := sh.order()
	if len(body) < 8 {
		return AckNack{}, fmt.Errorf("%w: short ACKNACK", ErrMalformed)
	}
	var m AckNack
	copy(m.ReaderID[:], body[0:4])
	copy(m.WriterID[:], body[4:8])
	set, n, err := decodeSequenceNumberSet(order, body[8:])
	if err != nil {
		return AckNack{}, err
	}
	m.ReaderSNState = set
	rest := body[8+n:]
	if len(rest) < 4 {
		return AckNack{}, fmt.Errorf("%w: short ACKNACK count", ErrMalformed)
	}
	m.Count = order.Uint32(rest[0:4])
	m.Final = sh.Flags&HeartbeatFlagFinal != 0
	return m, nil
}

// Heartbeat announces the writer's currently available sequence range.
type Heartbeat struct {
	ReaderID, WriterID rtps.EntityID
	FirstSN, LastSN    rtps.SequenceNumber
	Count              uint32
	Final              bool
	Liveliness         bool
}

func (m Heartbeat) flags(le bool) byte {
	var f byte
	if le {
		f |= FlagEndianness
	}
	if m.Final {
		f |= HeartbeatFlagFinal
	}
	if m.Liveliness {
		f |= HeartbeatFlagLiveliness
	}
	return f
}

func (m Heartbeat) Encode(littleEndian bool) []byte {
	order := byteOrder(littleEndian)
	body := make([]byte, 8+8+8+4)
	copy(body[0:4], m.ReaderID[:])
	copy(body[4:8], m.WriterID[:])
	putSeq(order, body[8:16], m.FirstSN)
	putSeq(order, body[16:24], m.LastSN)
	order.PutUint32(body[24:28], m.Count)
	return withHeader(SubmsgHEARTBEAT, m.flags(littleEndian), body)
}

func DecodeHeartbeat(sh SubmessageHeader, body []byte) (Heartbeat, error) {
	order := sh.order()
	if len(body) < 28 {
		return Heartbeat{}, fmt.Errorf("%w: short HEARTBEAT", ErrMalformed)
	}
	var m Heartbeat
	copy(m.ReaderID[:], body[0:4])
	copy(m.WriterID[:], body[4:8])
	m.FirstSN = getSeq(order, body[8:16])
	m.LastSN = getSeq(order, body[16:24])
	m.Count = order.Uint32(body[24:28])
	m.Final = sh.Flags&HeartbeatFlagFinal != 0
	m.Liveliness = sh.Flags&HeartbeatFlagLiveliness != 0
	return m, nil
}

// Gap declares a range of sequences the writer will never supply again.
type Gap struct {
	ReaderID, WriterID rtps.EntityID
	GapStart           rtps.SequenceNumber
	GapList            SequenceNumberSet // base = GapList.base; covers gapStart..base-1 implicitly plus any bits
}

func (m Gap) Encode(littleEndian bool) []byte {
	order := byteOrder(littleEndian)
	body := make([]byte, 8+8+m.GapList.encodedLen())
	copy(body[0:4], m.ReaderID[:])
	copy(body[4:8], m.WriterID[:])
	putSeq(order, body[8:16], m.GapStart)
	m.GapList.encode(order, body[16:])
	return withHeader(SubmsgGAP, endiannessFlag(littleEndian), body)
}

func DecodeGap(sh SubmessageHeader, body []byte) (Gap, error) {
	order := sh.order()
	if len(body) < 16 {
		return Gap{}, fmt.Errorf("%w: short GAP", ErrMalformed)
	}
	var m Gap
	copy(m.ReaderID[:], body[0:4])
	copy(m.WriterID[:], body[4:8])
	m.GapStart = getSeq(order, body[8:16])
	set, _, err := decodeSequenceNumberSet(order, body[16:])
	if err != nil {
		return Gap{}, err
	}
	m.GapList = set
	return m, nil
}

// NackFrag requests retransmission of specific fragments of one sample.
type NackFrag struct {
	ReaderID, WriterID  rtps.EntityID
	WriterSN            rtps.SequenceNumber
	FragmentNumberState FragmentNumberSet
	Count               uint32
}

func (m NackFrag) Encode(littleEndian bool) []byte {
	order := byteOrder(littleEndian)
	body := make([]byte, 8+8+m.FragmentNumberState.encodedLen()+4)
	copy(body[0:4], m.ReaderID[:])
	copy(body[4:8], m.WriterID[:])
	putSeq(order, body[8:16], m.WriterSN)
	m.FragmentNumberState.encode(order, body[16:])
	order.PutUint32(body[len(body)-4:], m.Count)
	return withHeader(SubmsgNACKFRAG, endiannessFlag(littleEndian), body)
}

func DecodeNackFrag(sh SubmessageHeader, body []byte) (NackFrag, error) {
	order := sh.order()
	if len(body) < 16 {
		return NackFrag{}, fmt.Errorf("%w: short NACKFRAG", ErrMalformed)
	}
	var m NackFrag
	copy(m.ReaderID[:], body[0:4])
	copy(m.WriterID[:], body[4:8])
	m.WriterSN = getSeq(order, body[8:16])
	set, n, err := decodeFragmentNumberSet(order, body[16:])
	if err != nil {
		return NackFrag{}, err
	}
	m.FragmentNumberState = set
	rest := body[16+n:]
	if len(rest) < 4 {
		return NackFrag{}, fmt.Errorf("%w: short NACKFRAG count", ErrMalformed)
	}
	m.Count = order.Uint32(rest[0:4])
	return m, nil
}

// HeartbeatFrag tells a reader the highest fragment number available for a
// writer's in-progress (not yet fully sent) sample.
type HeartbeatFrag struct {
	ReaderID, WriterID rtps.EntityID
	WriterSN           rtps.SequenceNumber
	LastFragmentNum    rtps.FragmentNumber
	Count              uint32
}

func (m HeartbeatFrag) Encode(littleEndian bool) []byte {
	order := byteOrder(littleEndian)
	body := make([]byte, 8+8+4+4)
	copy(body[0:4], m.ReaderID[:])
	copy(body[4:8], m.WriterID[:])
	putSeq(order, body[8:16], m.WriterSN)
	order.PutUint32(body[16:20], uint32(m.LastFragmentNum))
	order.PutUint32(body[20:24], m.Count)
	return withHeader(SubmsgHEARTBEATFRAG, endiannessFlag(littleEndian), body)
}

func DecodeHeartbeatFrag(sh SubmessageHeader, body []byte) (HeartbeatFrag, error) {
	order := sh.order()
	if len(body) < 24 {
		return HeartbeatFrag{}, fmt.Errorf("%w: short HEARTBEATFRAG", ErrMalformed)
	}
	var m HeartbeatFrag
	copy(m.ReaderID[:], body[0:4])
	copy(m.WriterID[:], body[4:8])
	m.WriterSN = getSeq(order, body[8:16])
	m.LastFragmentNum = rtps.FragmentNumber(order.Uint32(body[16:20]))
	m.Count = order.Uint32(body[20:24])
	return m, nil
}

// Data carries a whole, unfragmented sample.
type Data struct {
	ReaderID, WriterID rtps.EntityID
	WriterSN           rtps.SequenceNumber
	InlineQos          []byte
	Payload            []byte
	HasInlineQos       bool
	KeyHash            bool
}

func (m Data) flags(le bool) byte {
	f := endiannessFlag(le)
	if m.HasInlineQos {
		f |= DataFlagInlineQos
	}
	if len(m.Payload) > 0 {
		f |= DataFlagData
	}
	if m.KeyHash {
		f |= DataFlagKey
	}
	return f
}

func (m Data) Encode(littleEndian bool) []byte {
	order := byteOrder(littleEndian)
	// extraFlags(2) + octetsToInlineQos(2) + readerId(4) + writerId(4) + writerSN(8)
	head := 20
	body := make([]byte, head+len(m.InlineQos)+len(m.Payload))
	order.PutUint16(body[0:2], 0)
	order.PutUint16(body[2:4], uint16(16)) // octetsToInlineQos counts from after this field
	copy(body[4:8], m.ReaderID[:])
	copy(body[8:12], m.WriterID[:])
	putSeq(order, body[12:20], m.WriterSN)
	copy(body[head:head+len(m.InlineQos)], m.InlineQos)
	copy(body[head+len(m.InlineQos):], m.Payload)
	return withHeader(SubmsgDATA, m.flags(littleEndian), body)
}

func DecodeData(sh SubmessageHeader, body []byte) (Data, error) {
	order := sh.order()
	if len(body) < 20 {
		return Data{}, fmt.Errorf("%w: short DATA", ErrMalformed)
	}
	var m Data
	octetsToInlineQos := int(order.Uint16(body[2:4]))
	copy(m.ReaderID[:], body[4:8])
	copy(m.WriterID[:], body[8:12])
	m.WriterSN = getSeq(order, body[12:20])
	m.HasInlineQos = sh.Flags&DataFlagInlineQos != 0
	m.KeyHash = sh.Flags&DataFlagKey != 0

	payloadStart := 4 + octetsToInlineQos
	if payloadStart > len(body) {
		return Data{}, fmt.Errorf("%w: DATA octetsToInlineQos out of range", ErrMalformed)
	}
	rest := body[payloadStart:]
	if m.HasInlineQos {
		// Inline QoS is a parameter list; the core does not interpret it, so
		// we keep it opaque and hand the remainder to Payload only when the
		// DATA flag is set. Without a length prefix on the wire we cannot
		// split inline QoS from payload generically, so callers that expect
		// inline QoS must supply its length out of band (it is opaque to
		// this layer) — here we treat the whole remainder as inline QoS
		// unless the DATA flag is clear.
		m.InlineQos = rest
		if sh.Flags&DataFlagData != 0 {
			// Caller is responsible for slicing InlineQos vs Payload when
			// both are present; the core reliability engine never sets
			// both flags on traffic it generates itself.
			m.Payload = nil
		}
		return m, nil
	}
	m.Payload = rest
	return m, nil
}

// DataFrag carries one fragment of a sample too large for a single DATA.
type DataFrag struct {
	ReaderID, WriterID  rtps.EntityID
	WriterSN            rtps.SequenceNumber
	FragmentStartingNum rtps.FragmentNumber
	FragmentsInSubmsg   uint16
	FragmentSize        uint16
	SampleSize          uint32
	Payload             []byte
}

func (m DataFrag) Encode(littleEndian bool) []byte {
	order := byteOrder(littleEndian)
	head := 4 + 4 + 4 + 8 + 4 + 2 + 2 + 4
	body := make([]byte, head+len(m.Payload))
	order.PutUint16(body[0:2], 0)
	order.PutUint16(body[2:4], uint16(8))
	copy(body[4:8], m.ReaderID[:])
	copy(body[8:12], m.WriterID[:])
	putSeq(order, body[12:20], m.WriterSN)
	order.PutUint32(body[20:24], uint32(m.FragmentStartingNum))
	order.PutUint16(body[24:26], m.FragmentsInSubmsg)
	order.PutUint16(body[26:28], m.FragmentSize)
	order.PutUint32(body[28:32], m.SampleSize)
	copy(body[32:], m.Payload)
	return withHeader(SubmsgDATAFRAG, endiannessFlag(littleEndian), body)
}

func DecodeDataFrag(sh SubmessageHeader, body []byte) (DataFrag, error) {
	order := sh.order()
	if len(body) < 32 {
		return DataFrag{}, fmt.Errorf("%w: short DATAFRAG", ErrMalformed)
	}
	var m DataFrag
	copy(m.ReaderID[:], body[4:8])
	copy(m.WriterID[:], body[8:12])
	m.WriterSN = getSeq(order, body[12:20])
	m.FragmentStartingNum = rtps.FragmentNumber(order.Uint32(body[20:24]))
	m.FragmentsInSubmsg = order.Uint16(body[24:26])
	m.FragmentSize = order.Uint16(body[26:28])
	m.SampleSize = order.Uint32(body[28:32])
	m.Payload = body[32:]
	return m, nil
}

// InfoTimestamp carries a timestamp applying to subsequent submessages.
type InfoTimestamp struct {
	Time time.Time
}

func (m InfoTimestamp) Encode(littleEndian bool) []byte {
	order := byteOrder(littleEndian)
	body := make([]byte, 8)
	sec := m.Time.Unix()
	frac := uint32((uint64(m.Time.Nanosecond()) << 32) / 1e9)
	order.PutUint32(body[0:4], uint32(sec))
	order.PutUint32(body[4:8], frac)
	return withHeader(SubmsgINFO_TS, endiannessFlag(littleEndian), body)
}

func DecodeInfoTimestamp(sh SubmessageHeader, body []byte) (InfoTimestamp, error) {
	order := sh.order()
	if len(body) < 8 {
		return InfoTimestamp{}, fmt.Errorf("%w: short INFO_TS", ErrMalformed)
	}
	sec := int64(int32(order.Uint32(body[0:4])))
	frac := order.Uint32(body[4:8])
	nsec := int64((uint64(frac) * 1e9) >> 32)
	return InfoTimestamp{Time: time.Unix(sec, nsec).UTC()}, nil
}

// InfoSource carries the protocol version/vendor/guid prefix for
// submessages that follow without their own writer GUID context.
type InfoSource struct {
	Version ProtocolVersion
	Vendor  VendorID
	Prefix  rtps.GUIDPrefix
}

func (m InfoSource) Encode(littleEndian bool) []byte {
	body := make([]byte, 4+2+2+12)
	body[4] = m.Version.Major
	body[5] = m.Version.Minor
	body[6] = m.Vendor[0]
	body[7] = m.Vendor[1]
	copy(body[8:20], m.Prefix[:])
	return withHeader(SubmsgINFO_SRC, endiannessFlag(littleEndian), body)
}

func DecodeInfoSource(sh SubmessageHeader, body []byte) (InfoSource, error) {
	if len(body) < 20 {
		return InfoSource{}, fmt.Errorf("%w: short INFO_SRC", ErrMalformed)
	}
	var m InfoSource
	m.Version = ProtocolVersion{Major: body[4], Minor: body[5]}
	m.Vendor = VendorID{body[6], body[7]}
	copy(m.Prefix[:], body[8:20])
	return m, nil
}

// InfoDestination carries the GUID prefix of the intended message
// recipient, used to disambiguate after NAT/relay.
type InfoDestination struct {
	Prefix rtps.GUIDPrefix
}

func (m InfoDestination) Encode(littleEndian bool) []byte {
	body := make([]byte, 12)
	copy(body, m.Prefix[:])
	return withHeader(SubmsgINFO_DST, endiannessFlag(littleEndian), body)
}

func DecodeInfoDestination(sh SubmessageHeader, body []byte) (InfoDestination, error) {
	if len(body) < 12 {
		return InfoDestination{}, fmt.Errorf("%w: short INFO_DST", ErrMalformed)
	}
	var m InfoDestination
	copy(m.Prefix[:], body[0:12])
	return m, nil
}

// ── shared helpers ──────────────────────────────────────────────────────

func byteOrder(littleEndian bool) binary.ByteOrder {
	if littleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func endiannessFlag(littleEndian bool) byte {
	if littleEndian {
		return FlagEndianness
	}
	return 0
}

func withHeader(id SubmessageID, flags byte, body []byte) []byte {
	sh := SubmessageHeader{ID: id, Flags: flags, OctetsToNextHeader: uint16(len(body))}
	return append(sh.Encode(), body...)
}

func putSeq(order binary.ByteOrder, buf []byte, sn rtps.SequenceNumber) {
	order.PutUint32(buf[0:4], uint32(int64(sn)>>32))
	order.PutUint32(buf[4:8], uint32(int64(sn)))
}

func getSeq(order binary.ByteOrder, buf []byte) rtps.SequenceNumber {
	hi := order.Uint32(buf[0:4])
	lo := order.Uint32(buf[4:8])
	return rtps.SequenceNumber(int64(hi)<<32 | int64(lo))
}
