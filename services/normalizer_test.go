package services

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"nifti2database/models"
)

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"resolution vector", []float64{0.9999, 1.0, 2.0005}, []any{1, 1, 2.001}},
		{"integral float", 176.0, 176},
		{"fraction", 0.8594, 0.859},
		{"int", 256, 256},
		{"int slice", []int{256, 256}, []int{256, 256}},
		{"tuples in list", []any{[]float64{1.0004, 2.5}, []float64{1.0, 2.5}}, []any{[]any{1, 2.5}, []any{1, 2.5}}},
		{"string untouched", "3D", "3D"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeValue(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("NormalizeValue(%#v) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}

	if got := NormalizeValue(math.NaN()); !models.IsNaN(got) {
		t.Errorf("NormalizeValue(NaN) = %#v, want NaN", got)
	}
}

func TestNormalizeValueKeepsOutOfRangeFloats(t *testing.T) {
	for _, in := range []float64{math.Inf(1), math.Inf(-1), 1e300, -1e300, 9.3e18} {
		if got := NormalizeValue(in); got != in {
			t.Errorf("NormalizeValue(%v) = %#v, want unchanged", in, got)
		}
	}
	got := NormalizeValue([]float64{math.Inf(1), 2.0})
	if !reflect.DeepEqual(got, []any{math.Inf(1), 2}) {
		t.Errorf("NormalizeValue([+Inf 2]) = %#v", got)
	}
}

func TestNormalizeValueIdempotent(t *testing.T) {
	inputs := []any{[]float64{0.9999, 1.0, 2.0005}, 0.12345, []any{1.5, []float64{2.25}}}
	for _, in := range inputs {
		once := NormalizeValue(in)
		if twice := NormalizeValue(once); !reflect.DeepEqual(once, twice) {
			t.Errorf("not idempotent for %#v: %#v vs %#v", in, once, twice)
		}
	}
}

func TestNormalizeScans(t *testing.T) {
	scans := []models.Record{{
		models.FieldSeriesInstanceUID: "U1",
		models.FieldResolution:        []float64{0.9999, 1.0, 2.0005},
		"Rx":                          0.9999,
		models.FieldRun:               2.0,
		"EchoTime":                    0.00246,
	}}
	out, err := NormalizeScans(scans)
	if err != nil {
		t.Fatalf("NormalizeScans: %v", err)
	}
	got := out[0]
	if got["Rx"] != 1 || got[models.FieldRun] != 2 {
		t.Errorf("Rx = %#v, run = %#v", got["Rx"], got[models.FieldRun])
	}
	if got["EchoTime"] != 0.00246 {
		t.Errorf("non-geometry field changed: %#v", got["EchoTime"])
	}
	if _, ok := scans[0][models.FieldResolution].([]float64); !ok {
		t.Error("input scan was modified")
	}

	runs, err := NormalizeScans([]models.Record{{models.FieldRun: []any{1.0, 2}}})
	if err != nil || !reflect.DeepEqual(runs[0][models.FieldRun], []any{1, 2}) {
		t.Errorf("run list = %#v, err = %v", runs[0][models.FieldRun], err)
	}
}

func TestNormalizeScansInvalidRun(t *testing.T) {
	for _, run := range []any{math.NaN(), "first", []any{1, math.Inf(1)}} {
		_, err := NormalizeScans([]models.Record{{models.FieldRun: run}})
		if !errors.Is(err, ErrInvalidRun) {
			t.Errorf("run %#v: err = %v, want ErrInvalidRun", run, err)
		}
	}
}
