package errs_test

import (
	"errors"
	"testing"

	"github.com/trailofbits/crs-core/internal/errs"
)

func TestWrapAndUnwrap(t *testing.T) {
	base := errors.New("kv unreachable")
	e := errs.Transient("registry", "t1", base)

	if e.Kind != errs.KindTransient {
		t.Fatalf("Kind = %v, want KindTransient", e.Kind)
	}
	if !errors.Is(e, base) {
		t.Fatalf("errors.Is(e, base) = false, want true")
	}
	if !e.Kind.Soft() {
		t.Fatal("KindTransient should be soft")
	}
}

func TestKindHardness(t *testing.T) {
	cases := []struct {
		kind errs.Kind
		soft bool
	}{
		{errs.KindTransient, true},
		{errs.KindExhaustion, true},
		{errs.KindValidation, false},
		{errs.KindTerminal, false},
		{errs.KindExternalAPI, false},
	}
	for _, c := range cases {
		if got := c.kind.Soft(); got != c.soft {
			t.Errorf("%v.Soft() = %v, want %v", c.kind, got, c.soft)
		}
	}
}

func TestAs(t *testing.T) {
	var err error = errs.Validation("downloader", "t1", errors.New("bad sha256"))
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindValidation {
		t.Fatalf("As() = %v, %v", e, ok)
	}
}
