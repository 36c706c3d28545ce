package procbuf

import "testing"

func TestScalarRoundTrip(t *testing.T) {
	buf := make([]byte, 64)

	enc := NewProc(buf, Encode)
	var u8 uint8 = 200
	var u32 uint32 = 0xdeadbeef
	var u64 uint64 = 0x0102030405060708
	if err := ProcUint8(enc, &u8); err != nil {
		t.Fatalf("encode u8: %v", err)
	}
	if err := ProcUint32(enc, &u32); err != nil {
		t.Fatalf("encode u32: %v", err)
	}
	if err := ProcUint64(enc, &u64); err != nil {
		t.Fatalf("encode u64: %v", err)
	}
	used := enc.BytesUsed()

	dec := NewProc(buf[:used], Decode)
	var gotU8 uint8
	var gotU32 uint32
	var gotU64 uint64
	if err := ProcUint8(dec, &gotU8); err != nil {
		t.Fatalf("decode u8: %v", err)
	}
	if err := ProcUint32(dec, &gotU32); err != nil {
		t.Fatalf("decode u32: %v", err)
	}
	if err := ProcUint64(dec, &gotU64); err != nil {
		t.Fatalf("decode u64: %v", err)
	}

	if gotU8 != u8 || gotU32 != u32 || gotU64 != u64 {
		t.Fatalf("got %d %x %x, want %d %x %x", gotU8, gotU32, gotU64, u8, u32, u64)
	}
}

func TestBytesAndStringRoundTrip(t *testing.T) {
	buf := make([]byte, 128)

	enc := NewProc(buf, Encode)
	payload := []byte("hello procbuf")
	s := "a variable length string"
	if err := ProcBytes(enc, &payload); err != nil {
		t.Fatalf("encode bytes: %v", err)
	}
	if err := ProcString(enc, &s); err != nil {
		t.Fatalf("encode string: %v", err)
	}

	dec := NewProc(buf[:enc.BytesUsed()], Decode)
	var gotPayload []byte
	var gotString string
	if err := ProcBytes(dec, &gotPayload); err != nil {
		t.Fatalf("decode bytes: %v", err)
	}
	if err := ProcString(dec, &gotString); err != nil {
		t.Fatalf("decode string: %v", err)
	}

	if string(gotPayload) != string(payload) || gotString != s {
		t.Fatalf("got %q %q, want %q %q", gotPayload, gotString, payload, s)
	}

	free := NewProc(nil, Free)
	if err := ProcBytes(free, &gotPayload); err != nil {
		t.Fatalf("free bytes: %v", err)
	}
	if gotPayload != nil {
		t.Fatal("free mode should release the decoded slice")
	}
}

func TestOverflowSpillsIntoExtra(t *testing.T) {
	buf := make([]byte, 4) // deliberately too small for the payload

	enc := NewProc(buf, Encode)
	payload := []byte("this value does not fit in four bytes")
	if err := ProcBytes(enc, &payload); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !enc.Overflowed() {
		t.Fatal("expected Overflowed() after a field larger than buf")
	}

	// the length prefix fit in the fixed buffer; the payload spilled.
	dec := NewProc(buf[:enc.BytesUsed()], Decode)
	dec.SetExtraBuf(enc.ExtraBuf())

	var got []byte
	if err := ProcBytes(dec, &got); err != nil {
		t.Fatalf("decode with extra buf: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestDecodeBeyondExtraFails(t *testing.T) {
	buf := make([]byte, 4)
	dec := NewProc(buf, Decode)
	dummy := make([]byte, 100)
	if err := ProcRaw(dec, &dummy); err == nil {
		t.Fatal("expected error reading past buffer with no extra set")
	}
}
