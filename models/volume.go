package models

import (
	"math"
	"path/filepath"
	"strings"
)

// Record ist die flache Feld-Map eines Volumes oder eines Scans.
type Record map[string]any

// Clone gibt eine flache Kopie zurück; Slices werden mitkopiert.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []int:
		return append([]int(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = cloneValue(it)
		}
		return out
	default:
		return v
	}
}

// String liefert ein Feld als String, leer wenn nicht vorhanden.
func (r Record) String(key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

// FileRef referenziert eine Datei auf der Platte (NIfTI oder JSON-Sidecar).
type FileRef struct {
	Path string
}

// Stem gibt den Dateinamen ohne .nii/.nii.gz/.json zurück.
func (f FileRef) Stem() string {
	base := filepath.Base(f.Path)
	for _, ext := range []string{".nii.gz", ".nii", ".json"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}

func (f FileRef) String() string { return f.Path }

// VolumeRecord beschreibt ein einzelnes Bildvolumen mit seinen Metadaten.
type VolumeRecord struct {
	Nii     FileRef
	Sidecar FileRef
	Fields  Record
}

// Feldnamen, die über die Pipeline hinweg verwendet werden.
const (
	FieldPatientName          = "PatientName"
	FieldProtocolName         = "ProtocolName"
	FieldRun                  = "run"
	FieldStudyInstanceUID     = "StudyInstanceUID"
	FieldSeriesInstanceUID    = "SeriesInstanceUID"
	FieldSeriesNumber         = "SeriesNumber"
	FieldMRAcquisitionType    = "MRAcquisitionType"
	FieldPulseSequenceName    = "PulseSequenceName"
	FieldPulseSequenceDetails = "PulseSequenceDetails"
	FieldAcquisitionDateTime  = "AcquisitionDateTime"
	FieldMatrix               = "Matrix"
	FieldResolution           = "Resolution"
	FieldFoV                  = "FoV"
	FieldTag                  = "tag"
	FieldSuffix               = "suffix"
	FieldSub                  = "sub"
	FieldNii                  = "nii"
	FieldJSON                 = "json"
)

// GeometryFields sind alle Achsen- und Vektorfelder der Geometrie.
var GeometryFields = []string{
	"Mx", "My", "Mz", "Mt",
	"Rx", "Ry", "Rz", "Rt",
	"Fx", "Fy", "Fz", "Ft",
	FieldMatrix, FieldResolution, FieldFoV,
}

// IsNaN meldet, ob v ein fehlender numerischer Wert ist.
func IsNaN(v any) bool {
	switch t := v.(type) {
	case float64:
		return math.IsNaN(t)
	case float32:
		return math.IsNaN(float64(t))
	}
	return false
}
