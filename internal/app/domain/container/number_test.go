package container

import (
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeNumbers(t *testing.T) {
	valid, invalid := NormalizeNumbers("nwru3635205, DRYU9878330;emcu8949670\nBAD123 NWRU3635205")

	wantValid := []string{"NWRU3635205", "DRYU9878330", "EMCU8949670"}
	if !reflect.DeepEqual(valid, wantValid) {
		t.Fatalf("valid = %v, want %v", valid, wantValid)
	}
	if !reflect.DeepEqual(invalid, []string{"BAD123"}) {
		t.Fatalf("invalid = %v", invalid)
	}
}

func TestNormalizeNumbersIdempotent(t *testing.T) {
	first, _ := NormalizeNumbers("abcd1234567 WXYZ7654321")
	second, invalid := NormalizeNumbers(strings.Join(first, " "))

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("normalization not idempotent: %v then %v", first, second)
	}
	if len(invalid) != 0 {
		t.Fatalf("valid numbers reclassified as invalid: %v", invalid)
	}
}

func TestNormalizeNumbersRejectsShapes(t *testing.T) {
	cases := []string{
		"ABC1234567",   // three letters
		"ABCDE123456",  // five letters
		"ABCD123456",   // six digits
		"ABCD12345678", // eight digits
		"1234ABCD567",
	}
	for _, c := range cases {
		if valid, _ := NormalizeNumbers(c); len(valid) != 0 {
			t.Fatalf("%q should not validate, got %v", c, valid)
		}
	}
}

func TestNormalizeNumbersEmpty(t *testing.T) {
	if valid, invalid := NormalizeNumbers("  ,;- "); valid != nil || invalid != nil {
		t.Fatalf("expected empty result, got %v %v", valid, invalid)
	}
}

func TestRecordChangedAndApply(t *testing.T) {
	stored := Container{
		Number:   "NWRU3635205",
		Terminal: "t5",
		Status:   "AVAILABLE",
		Carrier:  "WSL",
	}

	same := AvailabilityRecord{Number: "NWRU3635205", Terminal: "t5", Status: "AVAILABLE"}
	if same.Changed(stored) {
		t.Fatalf("identical record should not report a change")
	}

	update := AvailabilityRecord{Number: "NWRU3635205", Terminal: "t5", Status: "ON HOLD", TerminalHoldReason: "customs"}
	if !update.Changed(stored) {
		t.Fatalf("status change not detected")
	}

	applied := update.Apply(stored)
	if applied.Status != "ON HOLD" || applied.TerminalHoldReason != "customs" {
		t.Fatalf("apply did not copy populated fields: %+v", applied)
	}
	if applied.Carrier != "WSL" {
		t.Fatalf("apply cleared a field the record did not populate: %+v", applied)
	}

	// applying twice converges
	if update.Changed(applied) {
		t.Fatalf("record still reports a change after apply")
	}
}
