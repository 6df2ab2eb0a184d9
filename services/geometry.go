package services

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats/scalar"

	"nifti2database/models"
	"nifti2database/providers"
)

var (
	matrixAxes     = []string{"Mx", "My", "Mz", "Mt"}
	resolutionAxes = []string{"Rx", "Ry", "Rz", "Rt"}
	fovAxes        = []string{"Fx", "Fy", "Fz", "Ft"}
)

// GeometryEnricher ergänzt Matrix, Auflösung und Field-of-View aus dem Bild-Header.
type GeometryEnricher struct {
	Reader providers.HeaderReader
	Logger *zap.Logger
}

// NewGeometryEnricher erstellt einen neuen Enricher.
func NewGeometryEnricher(reader providers.HeaderReader, logger *zap.Logger) *GeometryEnricher {
	return &GeometryEnricher{Reader: reader, Logger: logger}
}

// Enrich liest jeden Header genau einmal. Ein Lesefehler bricht den ganzen Lauf ab.
func (g *GeometryEnricher) Enrich(volumes []models.VolumeRecord) ([]models.VolumeRecord, error) {
	out := make([]models.VolumeRecord, 0, len(volumes))
	for _, vol := range volumes {
		matrix, resolution, err := g.Reader.ReadHeader(vol.Nii)
		if err != nil {
			g.Logger.Error("Failed to read nifti header", zap.String("nii", vol.Nii.Path), zap.Error(err))
			return nil, fmt.Errorf("read header: %w", err)
		}
		fields := vol.Fields.Clone()
		applyGeometry(fields, matrix, resolution)
		out = append(out, models.VolumeRecord{Nii: vol.Nii, Sidecar: vol.Sidecar, Fields: fields})
	}
	g.Logger.Info("Nifti headers read", zap.Int("count", len(out)))
	return out, nil
}

// applyGeometry schreibt die Achsenwerte (höchstens vier Achsen) und die Vektorfelder.
func applyGeometry(fields models.Record, matrix []int, resolution []float64) {
	n := len(matrix)
	if len(resolution) < n {
		n = len(resolution)
	}
	if n > len(matrixAxes) {
		n = len(matrixAxes)
	}

	mat := make([]int, n)
	res := make([]float64, n)
	fov := make([]int, n)
	for i := 0; i < n; i++ {
		mat[i] = matrix[i]
		res[i] = scalar.Round(resolution[i], 3)
		// FoV aus der ungerundeten Auflösung.
		fov[i] = int(float64(matrix[i]) * resolution[i])

		fields[matrixAxes[i]] = mat[i]
		fields[resolutionAxes[i]] = res[i]
		fields[fovAxes[i]] = fov[i]
	}
	fields[models.FieldMatrix] = mat
	fields[models.FieldResolution] = res
	fields[models.FieldFoV] = fov
}
