package services

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats/scalar"

	"nifti2database/models"
)

// ErrInvalidRun meldet ein run-Feld, das sich nicht in eine Ganzzahl wandeln lässt.
var ErrInvalidRun = errors.New("run is not an integer")

// NormalizeScans rundet die Geometriefelder auf 3 Nachkommastellen bzw. Ganzzahlen und
// erzwingt ein ganzzahliges run. Die Eingabe bleibt unverändert.
func NormalizeScans(scans []models.Record) ([]models.Record, error) {
	out := make([]models.Record, 0, len(scans))
	for i, scan := range scans {
		norm := scan.Clone()
		for _, field := range models.GeometryFields {
			if v, ok := norm[field]; ok {
				norm[field] = NormalizeValue(v)
			}
		}
		if v, ok := norm[models.FieldRun]; ok {
			run, err := coerceRun(v)
			if err != nil {
				return nil, fmt.Errorf("scan %d (%s): %w", i, models.ScanIdentity(scan), err)
			}
			norm[models.FieldRun] = run
		}
		out = append(out, norm)
	}
	return out, nil
}

// NormalizeValue arbeitet elementweise über Skalare, Listen und Tupel in Listen.
// NaN bleibt NaN; ganzzahlige Ergebnisse werden zu int.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return normalizeFloat(t)
	case float32:
		return normalizeFloat(float64(t))
	case []int:
		return append([]int(nil), t...)
	case []float64:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = normalizeFloat(it)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = NormalizeValue(it)
		}
		return out
	}
	if f, ok := toFloat(v); ok {
		return normalizeFloat(f)
	}
	return v
}

// normalizeFloat lässt NaN, ±Inf und Werte außerhalb des int64-Bereichs unverändert.
func normalizeFloat(x float64) any {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	y := scalar.Round(x, 3)
	if y < math.MinInt64 || y >= math.MaxInt64 {
		return x
	}
	if scalar.Round(y, 0) == y {
		return int(y)
	}
	return y
}

func coerceRun(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRun, t)
		}
		return int(t), nil
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			r, err := coerceRun(it)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	if f, ok := toFloat(v); ok {
		return coerceRun(f)
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidRun, v)
}
