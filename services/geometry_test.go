package services

import (
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"nifti2database/models"
)

// fakeReader liefert feste Header-Werte pro Pfad.
type fakeReader struct {
	matrix     []int
	resolution []float64
	err        error
	calls      map[string]int
}

func (f *fakeReader) ReadHeader(ref models.FileRef) ([]int, []float64, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[ref.Path]++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.matrix, f.resolution, nil
}

func TestEnrichAddsGeometry(t *testing.T) {
	reader := &fakeReader{matrix: []int{64, 64, 36, 200, 1}, resolution: []float64{3.0004, 3, 3.3, 2.5, 1}}
	vols := []models.VolumeRecord{{Nii: models.FileRef{Path: "/d/bold.nii"}, Fields: models.Record{"x": 1}}}

	out, err := NewGeometryEnricher(reader, zap.NewNop()).Enrich(vols)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	f := out[0].Fields
	if !reflect.DeepEqual(f[models.FieldMatrix], []int{64, 64, 36, 200}) {
		t.Errorf("Matrix = %#v, want four axes", f[models.FieldMatrix])
	}
	if !reflect.DeepEqual(f[models.FieldResolution], []float64{3, 3, 3.3, 2.5}) {
		t.Errorf("Resolution = %#v", f[models.FieldResolution])
	}
	if !reflect.DeepEqual(f[models.FieldFoV], []int{192, 192, 118, 500}) {
		t.Errorf("FoV = %#v", f[models.FieldFoV])
	}
	if f["Mt"] != 200 || f["Rz"] != 3.3 || f["Fx"] != 192 {
		t.Errorf("axis fields: Mt=%v Rz=%v Fx=%v", f["Mt"], f["Rz"], f["Fx"])
	}
	if _, ok := vols[0].Fields[models.FieldMatrix]; ok {
		t.Error("input volume was modified")
	}
	if reader.calls["/d/bold.nii"] != 1 {
		t.Errorf("header read %d times, want 1", reader.calls["/d/bold.nii"])
	}
}

func TestEnrichThreeAxes(t *testing.T) {
	reader := &fakeReader{matrix: []int{176, 256, 256}, resolution: []float64{1, 0.9375, 0.9375}}
	out, err := NewGeometryEnricher(reader, zap.NewNop()).Enrich([]models.VolumeRecord{{Fields: models.Record{}}})
	if err != nil {
		t.Fatal(err)
	}
	f := out[0].Fields
	if _, ok := f["Mt"]; ok {
		t.Error("Mt set for 3D volume")
	}
	if f["Ry"] != 0.938 || f["Fy"] != 240 {
		t.Errorf("Ry = %v, Fy = %v", f["Ry"], f["Fy"])
	}
}

func TestEnrichFoVUsesRawResolution(t *testing.T) {
	reader := &fakeReader{matrix: []int{1000}, resolution: []float64{0.9996}}
	out, err := NewGeometryEnricher(reader, zap.NewNop()).Enrich([]models.VolumeRecord{{Fields: models.Record{}}})
	if err != nil {
		t.Fatal(err)
	}
	f := out[0].Fields
	if f["Rx"] != 1.0 || f["Fx"] != 999 {
		t.Errorf("Rx = %v, Fx = %v, want 1 and 999", f["Rx"], f["Fx"])
	}
}

func TestEnrichPropagatesReadError(t *testing.T) {
	boom := errors.New("boom")
	reader := &fakeReader{err: boom}
	_, err := NewGeometryEnricher(reader, zap.NewNop()).Enrich([]models.VolumeRecord{{Fields: models.Record{}}})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}
