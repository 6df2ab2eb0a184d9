package providers

import (
	"context"
	"errors"

	"nifti2database/models"
)

var (
	// ErrMissingInputDir wird geliefert, wenn ein Eingabeverzeichnis nicht existiert.
	ErrMissingInputDir = errors.New("input directory does not exist")
	// ErrNoVolumes wird geliefert, wenn kein verwertbares Volume gefunden wurde.
	ErrNoVolumes = errors.New("no nifti volume with json sidecar found")
)

// Provider ist das Interface, das jede Volume-Quelle implementieren muss.
type Provider interface {
	// Volumes liefert pro gefundener Datei einen VolumeRecord, in Fundreihenfolge.
	Volumes(ctx context.Context, dirs []string) ([]models.VolumeRecord, error)

	// Name gibt den eindeutigen Namen der Quelle zurück (z.B. "nifti").
	Name() string
}

// HeaderReader liest die Geometrie aus dem Bild-Header eines Volumes.
type HeaderReader interface {
	ReadHeader(ref models.FileRef) (matrix []int, resolution []float64, err error)
}
