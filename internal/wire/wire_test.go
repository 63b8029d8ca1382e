package wire_test

import (
	"testing"

	"github.com/trailofbits/crs-core/internal/wire"
)

type sample struct {
	TaskID string
	Weight float64
}

func TestRoundTrip(t *testing.T) {
	want := sample{TaskID: "t1", Weight: 3.5}

	b, err := wire.EncodeRecord("sample", want)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	var got sample
	if err := wire.DecodeRecord(b, "sample", &got); err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}

	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeRecordKindMismatch(t *testing.T) {
	b, err := wire.EncodeRecord("sample", sample{TaskID: "t1"})
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	var got sample
	if err := wire.DecodeRecord(b, "other", &got); err == nil {
		t.Fatal("expected kind mismatch error, got nil")
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	if _, err := wire.Unmarshal([]byte{1, 0, 0}); err == nil {
		t.Fatal("expected error on truncated record")
	}
}

func TestVersionByteAtOffsetZero(t *testing.T) {
	env, err := wire.Encode("sample", sample{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b := env.Marshal()
	if b[0] != wire.CurrentVersion {
		t.Fatalf("version byte = %d, want %d", b[0], wire.CurrentVersion)
	}
}
