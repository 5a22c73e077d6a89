package protocol

import (
	"bytes"
	"testing"
)

func TestRRQRoundTrip(t *testing.T) {
	in := RRQ{FileIndex: 7, FileOffset: 1 << 20, WindowSize: 8}
	b := in.Marshal()
	if len(b) != lenRRQHeader {
		t.Fatalf("RRQ.Marshal length = %d, want %d", len(b), lenRRQHeader)
	}
	out, result := DecodeRRQ(b)
	if result != RecvOk {
		t.Fatalf("DecodeRRQ result = %v, want Ok", result)
	}
	if out != in {
		t.Fatalf("DecodeRRQ = %+v, want %+v", out, in)
	}
}

func TestRRQBadLength(t *testing.T) {
	_, result := DecodeRRQ([]byte{byte(OpRRQ), 0, 0})
	if result != RecvBadLength {
		t.Fatalf("result = %v, want BadLength", result)
	}
}

func TestDataRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	in := Data{BlockNo: 3, Payload: payload}
	b := in.Marshal()
	if len(b) != DataHeaderLen+len(payload) {
		t.Fatalf("Data.Marshal length = %d", len(b))
	}
	out, result := DecodeData(b)
	if result != RecvOk {
		t.Fatalf("result = %v, want Ok", result)
	}
	if out.BlockNo != in.BlockNo || !bytes.Equal(out.Payload, payload) {
		t.Fatalf("DecodeData = %+v, want block_no=%d payload=%v", out, in.BlockNo, payload)
	}
}

func TestDataZeroLengthPayloadIsLegal(t *testing.T) {
	in := Data{BlockNo: 2, Payload: nil}
	b := in.Marshal()
	if len(b) != DataHeaderLen {
		t.Fatalf("expected bare header, got %d bytes", len(b))
	}
	out, result := DecodeData(b)
	if result != RecvOk {
		t.Fatalf("result = %v, want Ok", result)
	}
	if len(out.Payload) != 0 {
		t.Fatalf("payload = %v, want empty", out.Payload)
	}
}

func TestRTXRoundTrip(t *testing.T) {
	in := RTX{BlockNos: []uint16{2, 5, 9}}
	b := in.Marshal()
	wantLen := lenRTXHeader + 2*len(in.BlockNos)
	if len(b) != wantLen {
		t.Fatalf("RTX.Marshal length = %d, want %d", len(b), wantLen)
	}
	out, result, mismatched := DecodeRTX(b)
	if result != RecvOk {
		t.Fatalf("result = %v, want Ok", result)
	}
	if mismatched {
		t.Fatalf("mismatched = true, want false for exact-length packet")
	}
	if len(out.BlockNos) != len(in.BlockNos) {
		t.Fatalf("BlockNos = %v, want %v", out.BlockNos, in.BlockNos)
	}
	for i := range in.BlockNos {
		if out.BlockNos[i] != in.BlockNos[i] {
			t.Fatalf("BlockNos[%d] = %d, want %d", i, out.BlockNos[i], in.BlockNos[i])
		}
	}
}

func TestRTXTrailingPaddingIsAcceptedButFlagged(t *testing.T) {
	// num_elements=1, one block_no, plus two trailing junk bytes.
	b := []byte{byte(OpRTX), 1, 0x0A, 0x00, 0xFF, 0xFF}
	out, result, mismatched := DecodeRTX(b)
	if result != RecvOk {
		t.Fatalf("result = %v, want Ok", result)
	}
	if !mismatched {
		t.Fatalf("mismatched = false, want true for padded packet")
	}
	if len(out.BlockNos) != 1 || out.BlockNos[0] != 0x0A {
		t.Fatalf("BlockNos = %v, want [10]", out.BlockNos)
	}
}

func TestACKRoundTrip(t *testing.T) {
	in := ACK{BlockNo: 42}
	b := in.Marshal()
	out, result := DecodeACK(b)
	if result != RecvOk || out != in {
		t.Fatalf("DecodeACK = %+v, %v; want %+v, Ok", out, result, in)
	}
}

func TestErrRoundTrip(t *testing.T) {
	in := Err{Kind: ErrFileReadFailed}
	b := in.Marshal()
	if len(b) != lenErrPacket {
		t.Fatalf("Err.Marshal length = %d, want %d", len(b), lenErrPacket)
	}
	out, result := DecodeErr(b)
	if result != RecvOk || out != in {
		t.Fatalf("DecodeErr = %+v, %v; want %+v, Ok", out, result, in)
	}
}

func TestDecodeOpcodeUnknown(t *testing.T) {
	op, result := DecodeOpcode([]byte{0x7F})
	if result != RecvBadOpcode {
		t.Fatalf("result = %v, want BadOpcode", result)
	}
	if op != Opcode(0x7F) {
		t.Fatalf("op = %v", op)
	}
}

func TestDecodeOpcodeEmpty(t *testing.T) {
	_, result := DecodeOpcode(nil)
	if result != RecvBadLength {
		t.Fatalf("result = %v, want BadLength", result)
	}
}

func TestLittleEndianWireLayout(t *testing.T) {
	// The wire format is little-endian and not versioned; pin the exact
	// byte layout for RRQ so a future change can't silently flip endianness.
	rrq := RRQ{FileIndex: 0x0102, FileOffset: 0x01020304, WindowSize: 0x0506}
	got := rrq.Marshal()
	want := []byte{byte(OpRRQ), 0x02, 0x01, 0x04, 0x03, 0x02, 0x01, 0x06, 0x05}
	if !bytes.Equal(got, want) {
		t.Fatalf("RRQ wire bytes = % x, want % x", got, want)
	}
}
