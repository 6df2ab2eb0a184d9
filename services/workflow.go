package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"nifti2database/config"
	"nifti2database/providers"
	"nifti2database/providers/nifti"
	"nifti2database/storage"
)

// Version des Tools, erscheint im Report.
const Version = "1.0.0"

// RunOptions beschreibt einen einzelnen Lauf.
type RunOptions struct {
	InDirs          []string `json:"in_dir"`
	OutDir          string   `json:"out_dir"`
	Mode            string   `json:"mode"`
	Logfile         bool     `json:"logfile"`
	CredentialsFile string   `json:"-"`
	Collect         bool     `json:"collect"`
	AutoMigrate     bool     `json:"-"`
}

// OptionsFromConfig übernimmt die Laufparameter aus der Konfiguration.
func OptionsFromConfig(cfg *config.Config) RunOptions {
	return RunOptions{
		InDirs:          cfg.InDirs,
		OutDir:          cfg.OutDir,
		Mode:            cfg.Mode,
		Logfile:         cfg.Logfile,
		CredentialsFile: cfg.CredentialsFile,
		Collect:         cfg.CollectStatements,
		AutoMigrate:     cfg.AutoMigrate,
	}
}

func (o RunOptions) validate() error {
	cfg := config.Config{InDirs: o.InDirs, OutDir: o.OutDir, Mode: o.Mode, CredentialsFile: o.CredentialsFile}
	return cfg.Validate()
}

// RunReport ist das Ergebnis eines Laufs inklusive textuellem Ausführungsbericht.
type RunReport struct {
	RunID    string        `json:"run_id"`
	Success  bool          `json:"success"`
	Volumes  int           `json:"volumes"`
	Scans    int           `json:"scans"`
	Unique   int           `json:"unique"`
	Ingest   *IngestResult `json:"ingest,omitempty"`
	LogFile  string        `json:"logfile,omitempty"`
	Duration time.Duration `json:"duration"`
	Report   string        `json:"report"`
}

// Workflow verkettet alle Stufen zu einem sequentiellen Lauf.
type Workflow struct {
	Logger      *zap.Logger
	Tree        *DecisionTree
	NewProvider func(logger *zap.Logger) providers.Provider
	Reader      providers.HeaderReader
	Open        func(creds *config.Credentials) (*gorm.DB, error)
	Upload      Uploader
	Now         func() time.Time

	mu sync.Mutex
}

// NewWorkflow erstellt einen Workflow mit NIfTI-Quelle und Postgres-Ziel.
func NewWorkflow(tree *DecisionTree, logger *zap.Logger, upload Uploader) *Workflow {
	return &Workflow{
		Logger: logger,
		Tree:   tree,
		NewProvider: func(l *zap.Logger) providers.Provider {
			return nifti.NewFetcher(l)
		},
		Reader: nifti.HeaderReader{},
		Open:   storage.OpenPostgres,
		Upload: upload,
		Now:    time.Now,
	}
}

// Run führt einen kompletten Lauf aus. Der Report ist immer gesetzt, auch im Fehlerfall.
// Läufe werden serialisiert.
func (w *Workflow) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.Now
	if now == nil {
		now = time.Now
	}
	start := now()
	report := &RunReport{RunID: uuid.NewString()}
	var buf bytes.Buffer
	log := reportLogger(w.Logger, &buf).With(zap.String("run_id", report.RunID))

	if opts.Logfile {
		report.LogFile = LogFileName(opts.OutDir, start)
	}

	err := w.run(ctx, log, opts, start, report)
	mode := opts.Mode
	if err != nil {
		log.Error("Run failed", zap.Error(err))
		runsCounter.WithLabelValues(mode, "failure").Inc()
	} else {
		report.Success = true
		runsCounter.WithLabelValues(mode, "success").Inc()
		log.Info(fmt.Sprintf("Total execution time is : %.3fs", time.Since(start).Seconds()))
	}
	report.Duration = time.Since(start)
	_ = log.Sync()
	report.Report = buf.String()

	if report.LogFile != "" {
		if werr := writeLogFile(report.LogFile, report.Report); werr != nil {
			w.Logger.Warn("Writing logfile failed", zap.String("logfile", report.LogFile), zap.Error(werr))
		}
	}
	return report, err
}

func (w *Workflow) run(ctx context.Context, log *zap.Logger, opts RunOptions, start time.Time, report *RunReport) error {
	log.Info("nifti2database", zap.String("version", Version))
	log.Info("Run parameters",
		zap.Strings("in_dir", opts.InDirs),
		zap.String("out_dir", opts.OutDir),
		zap.String("mode", opts.Mode),
		zap.String("logfile", report.LogFile))

	if err := opts.validate(); err != nil {
		return err
	}

	provider := w.NewProvider(log)
	volumes, err := provider.Volumes(ctx, opts.InDirs)
	if err != nil {
		return fmt.Errorf("%s: %w", provider.Name(), err)
	}
	report.Volumes = len(volumes)
	volumesProcessedCounter.Add(float64(len(volumes)))

	enriched, err := NewGeometryEnricher(w.Reader, log).Enrich(volumes)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	merged := MergeClassification(enriched, w.Tree, log)
	scans := NewScanAggregator(w.Tree, log).Aggregate(merged)
	report.Scans = len(scans)

	normalized, err := NormalizeScans(scans)
	if err != nil {
		return err
	}
	unique := Deduplicate(normalized, log)
	report.Unique = len(unique)
	if err := ctx.Err(); err != nil {
		return err
	}

	ingestor := &Ingestor{Logger: log, Open: w.Open, Upload: w.Upload}
	res, err := ingestor.Ingest(ctx, unique, IngestOptions{
		Mode:            opts.Mode,
		CredentialsFile: opts.CredentialsFile,
		OutDir:          opts.OutDir,
		LogFile:         LogFileName(opts.OutDir, start),
		Collect:         opts.Collect,
		AutoMigrate:     opts.AutoMigrate,
	})
	report.Ingest = res
	return err
}

// reportLogger schreibt zusätzlich zum Basis-Logger in buf (Konsolenformat).
func reportLogger(base *zap.Logger, buf *bytes.Buffer) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	reportCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(buf)),
		zapcore.InfoLevel,
	)
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, reportCore)
	}))
}

// LogFileName liefert den Namen der Logdatei eines Laufs.
func LogFileName(outDir string, t time.Time) string {
	return filepath.Join(outDir, "nifti2database_"+t.Format("2006-01-02_15h04m05s")+".log")
}

func writeLogFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
