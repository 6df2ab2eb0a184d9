package services

import (
	"go.uber.org/zap"

	"nifti2database/models"
)

// MergeClassification klassifiziert jedes Volume über den Entscheidungsbaum und übernimmt
// tag, suffix, sub sowie zusätzliche Felder in eine Kopie des Records.
func MergeClassification(volumes []models.VolumeRecord, tree *DecisionTree, logger *zap.Logger) []models.VolumeRecord {
	out := make([]models.VolumeRecord, 0, len(volumes))
	unmatched := 0
	for _, vol := range volumes {
		var c Classification
		if rule, ok := tree.Match(vol.Fields); ok {
			c = rule.Handler.Classify(vol.Fields)
		} else {
			unmatched++
		}
		fields := MergeFields(vol.Fields, c)
		out = append(out, models.VolumeRecord{Nii: vol.Nii, Sidecar: vol.Sidecar, Fields: fields})
	}
	logger.Info("Classification merged", zap.Int("volumes", len(out)), zap.Int("unmatched", unmatched))
	return out
}

// MergeFields kopiert die Klassifikation in den Record; bei Kollision gewinnt die Klassifikation.
func MergeFields(fields models.Record, c Classification) models.Record {
	merged := fields.Clone()
	merged[models.FieldTag] = c.Tag
	merged[models.FieldSuffix] = c.Suffix
	merged[models.FieldSub] = SubjectID(fields.String(models.FieldPatientName))
	for k, v := range c.Extra {
		merged[k] = v
	}
	return merged
}
