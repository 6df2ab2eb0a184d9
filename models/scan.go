package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ScanDocument ist eine Zeile der Scan-Tabelle: JSON-Payload plus Schlüsselspalten.
type ScanDocument struct {
	Dict          datatypes.JSON `json:"dict" gorm:"column:dict;type:jsonb;not null"`
	SUID          string         `json:"suid" gorm:"column:suid;type:text;uniqueIndex"`
	PatientDateID string         `json:"patient_date_id" gorm:"column:patient_date_id;type:text;index"`
	InsertTime    time.Time      `json:"insert_time" gorm:"column:insert_time;type:timestamptz;not null;default:now()"`
}

// TableName gibt den Standard-Tabellennamen an; die Ingestion überschreibt ihn per Table().
func (ScanDocument) TableName() string {
	return "nifti_json"
}

// ScanIdentity ist die SeriesInstanceUID, bei Listen das erste Element.
func ScanIdentity(scan Record) string {
	switch v := scan[FieldSeriesInstanceUID].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// PatientDateID kombiniert das Aufnahmedatum mit dem Patientennamen, z.B. "2021_03_04_P1".
func PatientDateID(scan Record) string {
	var acq string
	switch v := scan[FieldAcquisitionDateTime].(type) {
	case string:
		acq = v
	case []any:
		if len(v) > 0 {
			acq, _ = v[0].(string)
		}
	case []string:
		if len(v) > 0 {
			acq = v[0]
		}
	}
	datePart, _, _ := strings.Cut(acq, "T")
	datePart = strings.ReplaceAll(datePart, "-", "_")
	return datePart + "_" + firstString(scan[FieldPatientName])
}

func firstString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			s, _ := t[0].(string)
			return s
		}
	case []string:
		if len(t) > 0 {
			return t[0]
		}
	}
	return ""
}
