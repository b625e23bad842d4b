package capability

import (
	"errors"
	"testing"

	"github.com/roborock-community/roborock-go/pkg/version"
)

func TestResolveV1(t *testing.T) {
	set, err := Resolve("1.0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if set.Version() != version.V1 {
		t.Errorf("Version = %v, want V1", set.Version())
	}
	if set.Dialect() != DialectV1 {
		t.Errorf("Dialect = %v, want V1", set.Dialect())
	}

	for _, op := range []Operation{
		OpPing, OpStatus, OpNetworkInfo, OpCleanSummary,
		OpSetFanSpeed, OpAppStart, OpAppStop, OpAppPause,
		OpAppCharge, OpMap, OpLocalConnection,
	} {
		if !set.Supports(op) {
			t.Errorf("V1 missing %s", op)
		}
		if err := set.Check(op); err != nil {
			t.Errorf("Check(%s) = %v", op, err)
		}
	}
}

func TestResolveA01(t *testing.T) {
	set, err := Resolve("A01")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if set.Dialect() != DialectA01 {
		t.Errorf("Dialect = %v, want A01", set.Dialect())
	}
	if !set.Supports(OpPing) || !set.Supports(OpStatus) {
		t.Error("A01 must support ping and status")
	}

	for _, op := range []Operation{
		OpNetworkInfo, OpCleanSummary, OpSetFanSpeed,
		OpAppStart, OpAppStop, OpAppPause, OpAppCharge,
		OpMap, OpLocalConnection,
	} {
		if set.Supports(op) {
			t.Errorf("A01 unexpectedly supports %s", op)
		}
		err := set.Check(op)
		if !errors.Is(err, ErrUnsupportedOperation) {
			t.Errorf("Check(%s) = %v, want ErrUnsupportedOperation", op, err)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	for _, pv := range []string{"", "2.0", "B05", "1.0 "} {
		_, err := Resolve(pv)
		if !errors.Is(err, ErrUnsupportedProtocol) {
			t.Errorf("Resolve(%q) = %v, want ErrUnsupportedProtocol", pv, err)
		}
	}
}

func TestOperations(t *testing.T) {
	v1, _ := Resolve("1.0")
	a01, _ := Resolve("A01")

	if got := len(v1.Operations()); got != 11 {
		t.Errorf("V1 operation count = %d, want 11", got)
	}
	if got := len(a01.Operations()); got != 2 {
		t.Errorf("A01 operation count = %d, want 2", got)
	}
}

func TestOperationString(t *testing.T) {
	if got := OpAppCharge.String(); got != "APP_CHARGE" {
		t.Errorf("String = %q", got)
	}
	if got := Operation(200).String(); got != "UNKNOWN" {
		t.Errorf("String = %q for out-of-range op", got)
	}
}
