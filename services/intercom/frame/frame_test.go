package frame

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestRoundTripSLIN(t *testing.T) {
	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	got := roundTrip(t, NewSLIN(pcm))
	if got.Kind != KindSLIN || !bytes.Equal(got.Payload, pcm) {
		t.Fatalf("round trip mismatch: kind=%v len=%d", got.Kind, len(got.Payload))
	}
}

func TestRoundTripID(t *testing.T) {
	var raw [16]byte
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	got := roundTrip(t, NewID(raw))
	if got.Kind != KindID || !bytes.Equal(got.Payload, raw[:]) {
		t.Fatalf("round trip mismatch")
	}
}

func TestHangupIsThreeZeroBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, Hangup); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x00, 0x00, 0x00}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("HANGUP wire form = % x, want % x", buf.Bytes(), want)
	}
}

func TestDecodeMalformedIDPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindID))
	buf.Write([]byte{0x00, 0x05}) // length 5, not 16
	buf.Write([]byte{1, 2, 3, 4, 5})

	_, err := Decode(bufio.NewReader(&buf))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte{0x10})))
	if err == nil {
		t.Fatal("expected error on truncated header")
	}
}

func TestErrorFrameCarriesCode(t *testing.T) {
	got := roundTrip(t, NewError(7))
	if got.Kind != KindError || len(got.Payload) != 1 || got.Payload[0] != 7 {
		t.Fatalf("ERROR frame mismatch: %+v", got)
	}
}
