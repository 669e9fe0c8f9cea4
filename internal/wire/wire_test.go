package wire

import (
	"testing"
	"time"

	"github.com/rtps-core/ddsi/internal/rtps"
)

func TestSequenceNumberSet256Bits(t *testing.T) {
	var seqs []rtps.SequenceNumber
	for i := 0; i < 256; i += 3 {
		seqs = append(seqs, rtps.SequenceNumber(1+i))
	}
	set := NewSequenceNumberSet(1, 256, seqs)
	if set.NumBits != 256 || len(set.Bits) != 8 {
		t.Fatalf("expected 256 bits / 8 words, got %d bits / %d words", set.NumBits, len(set.Bits))
	}
	for _, sn := range seqs {
		if !set.Test(sn) {
			t.Fatalf("expected %d set", sn)
		}
	}

	order := byteOrder(false)
	buf := make([]byte, set.encodedLen())
	set.encode(order, buf)
	decoded, n, err := decodeSequenceNumberSet(order, buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != set.encodedLen() {
		t.Fatalf("consumed %d want %d", n, set.encodedLen())
	}
	if !decoded.Equal(set) {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, set)
	}
}

func TestAckNackRoundTrip(t *testing.T) {
	m := AckNack{
		ReaderID: rtps.NewEntityID(1, rtps.EntityKindReaderNoKey),
		WriterID: rtps.NewEntityID(2, rtps.EntityKindWriterNoKey),
		ReaderSNState: NewSequenceNumberSet(5, 10, []rtps.SequenceNumber{6, 7, 9}),
		Count: 42,
	}
	for _, le := range []bool{false, true} {
		encoded := m.Encode(le)
		sh, err := DecodeSubmessageHeader(encoded)
		if err != nil {
			t.Fatalf("header decode: %v", err)
		}
		decoded, err := DecodeAckNack(sh, encoded[SubmessageHeaderLen:])
		if err != nil {
			t.Fatalf("body decode: %v", err)
		}
		if decoded.Count != m.Count || decoded.ReaderID != m.ReaderID || decoded.WriterID != m.WriterID {
			t.Fatalf("round trip mismatch: %+v", decoded)
		}
		if !decoded.ReaderSNState.Equal(m.ReaderSNState) {
			t.Fatalf("bitmap mismatch: %+v vs %+v", decoded.ReaderSNState, m.ReaderSNState)
		}
		reencoded := decoded.Encode(le)
		if string(reencoded) != string(encoded) {
			t.Fatalf("re-encode not identical (le=%v)", le)
		}
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	m := Heartbeat{
		ReaderID: rtps.NewEntityID(1, rtps.EntityKindReaderNoKey),
		WriterID: rtps.NewEntityID(2, rtps.EntityKindWriterNoKey),
		FirstSN: 1, LastSN: 100, Count: 7, Final: false, Liveliness: true,
	}
	encoded := m.Encode(false)
	sh, _ := DecodeSubmessageHeader(encoded)
	decoded, err := DecodeHeartbeat(sh, encoded[SubmessageHeaderLen:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != m {
		t.Fatalf("mismatch: %+v vs %+v", decoded, m)
	}
}

func TestGapRoundTrip(t *testing.T) {
	m := Gap{
		ReaderID: rtps.NewEntityID(1, rtps.EntityKindReaderNoKey),
		WriterID: rtps.NewEntityID(2, rtps.EntityKindWriterNoKey),
		GapStart: 10,
		GapList:  NewSequenceNumberSet(15, 4, []rtps.SequenceNumber{16}),
	}
	encoded := m.Encode(false)
	sh, _ := DecodeSubmessageHeader(encoded)
	decoded, err := DecodeGap(sh, encoded[SubmessageHeaderLen:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.GapStart != m.GapStart || !decoded.GapList.Equal(m.GapList) {
		t.Fatalf("mismatch: %+v vs %+v", decoded, m)
	}
}

func TestDataFragCompletionBoundary(t *testing.T) {
	const sampleSize = 9000
	const fragSize = 1024
	nfrags := (sampleSize + fragSize - 1) / fragSize

	last := DataFrag{
		FragmentStartingNum: rtps.FragmentNumber(nfrags),
		FragmentsInSubmsg:   1,
		FragmentSize:        fragSize,
		SampleSize:          sampleSize,
		Payload:             make([]byte, sampleSize-(nfrags-1)*fragSize),
	}
	encoded := last.Encode(false)
	sh, _ := DecodeSubmessageHeader(encoded)
	decoded, err := DecodeDataFrag(sh, encoded[SubmessageHeaderLen:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotEnd := int(decoded.FragmentStartingNum-1)*fragSize + len(decoded.Payload)
	if gotEnd != sampleSize {
		t.Fatalf("fragment does not land exactly on sample boundary: got %d want %d", gotEnd, sampleSize)
	}

	short := last
	short.Payload = short.Payload[:len(short.Payload)-1]
	encodedShort := short.Encode(false)
	sh2, _ := DecodeSubmessageHeader(encodedShort)
	decodedShort, err := DecodeDataFrag(sh2, encodedShort[SubmessageHeaderLen:])
	if err != nil {
		t.Fatalf("decode short: %v", err)
	}
	gotEndShort := int(decodedShort.FragmentStartingNum-1)*fragSize + len(decodedShort.Payload)
	if gotEndShort == sampleSize {
		t.Fatalf("one byte short should not reach the sample boundary")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	hdr := Header{Version: ProtocolVersion{2, 3}, Vendor: VendorID{0x01, 0x0f}}
	hb := Heartbeat{FirstSN: 1, LastSN: 5, Count: 1}
	ts := InfoTimestamp{Time: time.Unix(1700000000, 123000000).UTC()}

	msg := Message{Header: hdr}
	for _, enc := range [][]byte{ts.Encode(false), hb.Encode(false)} {
		sh, _ := DecodeSubmessageHeader(enc)
		msg.Submessages = append(msg.Submessages, RawSubmessage{Header: sh, Body: enc[SubmessageHeaderLen:]})
	}

	encoded := msg.Encode()
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Header != hdr {
		t.Fatalf("header mismatch: %+v", decoded.Header)
	}
	if len(decoded.Submessages) != 2 {
		t.Fatalf("expected 2 submessages, got %d", len(decoded.Submessages))
	}
	reencoded := decoded.Encode()
	if string(reencoded) != string(encoded) {
		t.Fatalf("message re-encode mismatch")
	}
}

func TestDecodeMessageRejectsShortHeader(t *testing.T) {
	if _, err := DecodeMessage([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestDecodeMessageRejectsTruncatedSubmessage(t *testing.T) {
	hdr := Header{}
	buf := hdr.Encode()
	buf = append(buf, byte(SubmsgHEARTBEAT), 0, 0xff, 0xff) // claims huge body, has none
	if _, err := DecodeMessage(buf); err == nil {
		t.Fatal("expected error for truncated submessage")
	}
}
