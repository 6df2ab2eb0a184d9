package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nifti2database/config"
	"nifti2database/models"
	"nifti2database/storage"
)

// ErrTableMissing wird geliefert, wenn die Zieltabelle in der Datenbank fehlt.
var ErrTableMissing = errors.New("target table does not exist")

// Spalten der Scan-Tabelle.
const (
	columnDict          = "dict"
	columnSUID          = "suid"
	columnPatientDateID = "patient_date_id"
)

// IngestOptions steuern einen Ingestion-Lauf.
type IngestOptions struct {
	Mode            string
	CredentialsFile string
	OutDir          string
	// LogFile ist der Name der Logdatei; die SQL-Datei im prepare-Modus leitet sich davon ab.
	LogFile     string
	Collect     bool
	AutoMigrate bool
}

// IngestResult fasst das Ergebnis der Ingestion zusammen.
type IngestResult struct {
	Mode           string   `json:"mode"`
	Inserted       int      `json:"inserted"`
	AlreadyPresent int      `json:"already_present"`
	Statements     []string `json:"statements,omitempty"`
	OutputFile     string   `json:"output_file,omitempty"`
	UploadLink     string   `json:"upload_link,omitempty"`
}

// Uploader lädt die vorbereitete SQL-Datei hoch und liefert den Link.
type Uploader func(ctx context.Context, key string, data []byte) (string, error)

// Ingestor schreibt Scans in die Datenbank (connect) oder in eine SQL-Datei (prepare).
type Ingestor struct {
	Logger *zap.Logger
	Open   func(creds *config.Credentials) (*gorm.DB, error)
	Upload Uploader
}

// NewIngestor erstellt einen Ingestor mit Postgres als Ziel.
func NewIngestor(logger *zap.Logger, upload Uploader) *Ingestor {
	return &Ingestor{Logger: logger, Open: storage.OpenPostgres, Upload: upload}
}

// Ingest wählt den Modus genau einmal pro Lauf.
func (in *Ingestor) Ingest(ctx context.Context, scans []models.Record, opts IngestOptions) (*IngestResult, error) {
	switch opts.Mode {
	case config.ModeConnect:
		return in.connect(ctx, scans, opts)
	case config.ModePrepare:
		return in.prepare(ctx, scans, opts)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidMode, opts.Mode)
	}
}

func (in *Ingestor) connect(ctx context.Context, scans []models.Record, opts IngestOptions) (*IngestResult, error) {
	creds, err := config.LoadCredentials(opts.CredentialsFile)
	if err != nil {
		return nil, err
	}
	db, err := in.Open(creds)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := storage.Close(db); err != nil {
			in.Logger.Warn("Closing database connection failed", zap.Error(err))
		}
	}()
	db = db.WithContext(ctx)

	table := creds.QualifiedTable()
	log := in.Logger.With(zap.String("table", table))

	if opts.AutoMigrate {
		if err := db.Table(table).AutoMigrate(&models.ScanDocument{}); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", table, err)
		}
	}
	if !db.Migrator().HasTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrTableMissing, table)
	}

	existing, err := ExistingIdentities(db, table)
	if err != nil {
		return nil, err
	}
	fresh, present := SplitNew(scans, existing)
	log.Info("Existing scans checked",
		zap.Int("in_database", len(existing)),
		zap.Int("new", len(fresh)),
		zap.Int("already_present", len(present)))

	res := &IngestResult{Mode: config.ModeConnect, AlreadyPresent: len(present)}
	scansSkippedCounter.Add(float64(len(present)))

	for _, scan := range fresh {
		row, err := BuildRow(scan)
		if err != nil {
			return res, err
		}
		if opts.Collect {
			res.Statements = append(res.Statements, RenderInsert(db, table, row))
			continue
		}
		// Jede Zeile läuft in ihrer eigenen Transaktion; ein Fehler lässt frühere Zeilen bestehen.
		tx := db.Table(table).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if tx.Error != nil {
			log.Error("Insert failed", zap.String("suid", row[columnSUID].(string)), zap.Error(tx.Error))
			return res, fmt.Errorf("insert %s: %w", row[columnSUID], tx.Error)
		}
		if tx.RowsAffected == 0 {
			res.AlreadyPresent++
			scansSkippedCounter.Inc()
			continue
		}
		res.Inserted++
		scansInsertedCounter.Inc()
	}
	log.Info("Ingestion finished",
		zap.Int("inserted", res.Inserted),
		zap.Int("already_present", res.AlreadyPresent),
		zap.Int("collected_statements", len(res.Statements)))
	return res, nil
}

func (in *Ingestor) prepare(ctx context.Context, scans []models.Record, opts IngestOptions) (*IngestResult, error) {
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, config.ErrMissingOutDir
	}
	table := config.DefaultSchema + "." + config.DefaultTable
	if opts.CredentialsFile != "" {
		creds, err := config.LoadCredentials(opts.CredentialsFile)
		if err != nil {
			return nil, err
		}
		table = creds.QualifiedTable()
	}

	db, err := storage.NewDryRunDB()
	if err != nil {
		return nil, fmt.Errorf("init sql renderer: %w", err)
	}

	res := &IngestResult{Mode: config.ModePrepare}
	for _, scan := range scans {
		row, err := BuildRow(scan)
		if err != nil {
			return nil, err
		}
		res.Statements = append(res.Statements, RenderInsert(db, table, row)+";")
	}

	logFile := opts.LogFile
	if logFile == "" {
		logFile = "nifti2database.log"
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create out_dir: %w", err)
	}
	res.OutputFile = filepath.Join(opts.OutDir, PreparedFileName(filepath.Base(logFile)))
	data := []byte(strings.Join(res.Statements, "\n") + "\n")
	if err := os.WriteFile(res.OutputFile, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", res.OutputFile, err)
	}
	statementsPreparedCounter.Add(float64(len(res.Statements)))
	in.Logger.Info("SQL statements written", zap.String("file", res.OutputFile), zap.Int("statements", len(res.Statements)))

	if in.Upload != nil {
		link, err := in.Upload(ctx, filepath.Base(res.OutputFile), data)
		if err != nil {
			return res, fmt.Errorf("upload %s: %w", res.OutputFile, err)
		}
		res.UploadLink = link
		in.Logger.Info("SQL file uploaded", zap.String("link", link))
	}
	return res, nil
}

// ExistingIdentities liest alle bereits gespeicherten SeriesInstanceUIDs.
func ExistingIdentities(db *gorm.DB, table string) (map[string]bool, error) {
	var ids []string
	if err := db.Table(table).Pluck(columnSUID, &ids).Error; err != nil {
		return nil, fmt.Errorf("query existing %s from %s: %w", columnSUID, table, err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// SplitNew trennt Scans, deren Identität noch fehlt, von bereits vorhandenen.
func SplitNew(scans []models.Record, existing map[string]bool) (fresh, present []models.Record) {
	for _, scan := range scans {
		if existing[models.ScanIdentity(scan)] {
			present = append(present, scan)
		} else {
			fresh = append(fresh, scan)
		}
	}
	return fresh, present
}

// BuildRow erzeugt die Spaltenwerte einer Zeile.
func BuildRow(scan models.Record) (map[string]any, error) {
	payload, err := SerializeScan(scan)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		columnDict:          datatypes.JSON(payload),
		columnSUID:          models.ScanIdentity(scan),
		columnPatientDateID: models.PatientDateID(scan),
	}, nil
}

// RenderInsert rendert das Insert-Statement mit eingesetzten Werten, ohne es auszuführen.
func RenderInsert(db *gorm.DB, table string, row map[string]any) string {
	return db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return tx.Table(table).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	})
}

// SerializeScan wandelt Datei-Referenzen in Pfade und nicht-endliche Zahlen in Strings,
// da encoding/json NaN und Inf ablehnt.
func SerializeScan(scan models.Record) ([]byte, error) {
	safe := make(map[string]any, len(scan))
	for k, v := range scan {
		safe[k] = jsonSafe(v)
	}
	payload, err := json.Marshal(safe)
	if err != nil {
		return nil, fmt.Errorf("serialize scan %s: %w", models.ScanIdentity(scan), err)
	}
	return payload, nil
}

func jsonSafe(v any) any {
	switch t := v.(type) {
	case models.FileRef:
		return t.Path
	case float64:
		return finiteOrString(t)
	case float32:
		return finiteOrString(float64(t))
	case []float64:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = finiteOrString(it)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = jsonSafe(it)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, it := range t {
			out[k] = jsonSafe(it)
		}
		return out
	case models.Record:
		return jsonSafe(map[string]any(t))
	}
	return v
}

func finiteOrString(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

// PreparedFileName fügt vor der Endung ein zufälliges 8-Zeichen-Suffix ein.
func PreparedFileName(logFile string) string {
	ext := filepath.Ext(logFile)
	stem := strings.TrimSuffix(logFile, ext)
	return stem + "_" + randomSuffix() + ext
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
