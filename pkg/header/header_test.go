package header

import "testing"

func TestRequestRoundTrip(t *testing.T) {
	body := []byte("arbitrary proc-encoded input")
	extra := []byte{1, 2, 3, 4}
	h := &Request{
		ProtocolVersion: ProtocolVersion,
		ProcedureID:     12345,
		Flags:           FlagHasExtraBulk,
		ExtraBulkHandle: extra,
	}

	frame := EncodeRequest(h, len(extra), body)
	got, gotBody, err := DecodeRequest(frame, len(extra))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if got.ProtocolVersion != h.ProtocolVersion || got.ProcedureID != h.ProcedureID || got.Flags != h.Flags {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("decoded body = %q, want %q", gotBody, body)
	}
	if string(got.ExtraBulkHandle) != string(extra) {
		t.Fatalf("decoded extra bulk handle = %v, want %v", got.ExtraBulkHandle, extra)
	}
}

func TestRequestExtraBulkHandleZeroFilledWhenAbsent(t *testing.T) {
	extraSize := 6
	h := &Request{
		ProtocolVersion: ProtocolVersion,
		ProcedureID:     7,
		ExtraBulkHandle: make([]byte, extraSize),
	}
	body := []byte("small")

	frame := EncodeRequest(h, extraSize, body)
	if want := RequestHeaderSize(extraSize) + len(body); len(frame) != want {
		t.Fatalf("frame length = %d, want %d", len(frame), want)
	}

	got, _, err := DecodeRequest(frame, extraSize)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	for i, b := range got.ExtraBulkHandle {
		if b != 0 {
			t.Fatalf("ExtraBulkHandle[%d] = %d, want 0", i, b)
		}
	}
}

func TestRequestHeaderChecksumMismatch(t *testing.T) {
	extra := []byte{9, 9}
	h := &Request{ProtocolVersion: ProtocolVersion, ProcedureID: 1, ExtraBulkHandle: extra}
	body := []byte("payload")
	frame := EncodeRequest(h, len(extra), body)

	frame[8] ^= 0xff // corrupt a procedure_id byte within the header

	if _, _, err := DecodeRequest(frame, len(extra)); err == nil {
		t.Fatal("expected checksum mismatch error from corrupted header")
	}
}

func TestRequestBodyCorruptionNotCaughtByHeaderChecksum(t *testing.T) {
	extra := []byte{9, 9}
	h := &Request{ProtocolVersion: ProtocolVersion, ProcedureID: 1, ExtraBulkHandle: extra}
	body := []byte("payload")
	frame := EncodeRequest(h, len(extra), body)

	frame[len(frame)-1] ^= 0xff // corrupt the last body byte

	if _, _, err := DecodeRequest(frame, len(extra)); err != nil {
		t.Fatalf("DecodeRequest: %v, want success -- the header checksum covers the header only", err)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	body := []byte("proc-encoded output")
	h := &Response{ReturnCode: 0}

	frame := EncodeResponse(h, body)
	got, gotBody, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.ReturnCode != 0 {
		t.Fatalf("ReturnCode = %d, want 0", got.ReturnCode)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("decoded body = %q, want %q", gotBody, body)
	}
}

func TestResponseHeaderChecksumMismatch(t *testing.T) {
	h := &Response{ReturnCode: 3}
	frame := EncodeResponse(h, []byte("x"))
	frame[4] ^= 0xff // corrupt the return_code byte

	if _, _, err := DecodeResponse(frame); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestBadMagic(t *testing.T) {
	frame := make([]byte, RequestHeaderSize(0))
	if _, _, err := DecodeRequest(frame, 0); err == nil {
		t.Fatal("expected bad magic error")
	}
}
