package services

import (
	"go.uber.org/zap"

	"nifti2database/models"
)

// Deduplicate behält pro ScanIdentity das erste Vorkommen, Reihenfolge bleibt erhalten.
//
// TODO: "first wins" hängt von der Fundreihenfolge im Dateisystem ab; falls fachlich
// "neueste Datei gewinnt" gewünscht ist, hier nach mtime der nii-Dateien auswählen.
func Deduplicate(scans []models.Record, logger *zap.Logger) []models.Record {
	seen := make(map[string]bool, len(scans))
	unique := make([]models.Record, 0, len(scans))
	for _, scan := range scans {
		id := models.ScanIdentity(scan)
		if seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, scan)
	}
	logger.Info("Scans deduplicated",
		zap.Int("total", len(scans)),
		zap.Int("unique", len(unique)),
		zap.Int("duplicates", len(scans)-len(unique)))
	return unique
}
