package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Ingestion-Modi.
const (
	ModeConnect = "connect"
	ModePrepare = "prepare"
)

var (
	ErrInvalidMode   = errors.New("invalid ingestion mode")
	ErrMissingOutDir = errors.New("out_dir is required in prepare mode")
	ErrNoInputDirs   = errors.New("no input directories configured")
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	InDirs  []string `envconfig:"NIFTI_IN_DIRS"`
	OutDir  string   `envconfig:"NIFTI_OUT_DIR" default:"/tmp/"`
	Mode    string   `envconfig:"NIFTI_MODE" default:"connect"`
	Logfile bool     `envconfig:"NIFTI_LOGFILE" default:"false"`

	// JSON-Datei mit database/user/password/host/port (+ schema/table/sslmode/gssencmode)
	CredentialsFile string `envconfig:"NIFTI_CREDENTIALS"`
	// Optionaler YAML-Entscheidungsbaum; leer = eingebettete Vorgabe
	DecisionTreeFile string `envconfig:"NIFTI_DECISION_TREE"`
	// Im connect-Modus Statements sammeln statt sofort auszuführen
	CollectStatements bool `envconfig:"NIFTI_COLLECT_STATEMENTS" default:"false"`
	// Legt die Scan-Tabelle samt Unique-Index an, falls sie fehlt
	AutoMigrate bool `envconfig:"NIFTI_AUTO_MIGRATE" default:"false"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`
	// Leer = kein periodischer Import
	CronSchedule string `envconfig:"CRON_SCHEDULE"`

	// Optionaler Upload der vorbereiteten SQL-Datei
	S3Key    string `envconfig:"S3_KEY"`
	S3Secret string `envconfig:"S3_SECRET"`
	S3URL    string `envconfig:"S3_URL"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket string `envconfig:"S3_BUCKET"`
}

// S3Enabled meldet, ob alle Angaben für den S3-Upload vorhanden sind.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3URL != "" && c.S3Key != "" && c.S3Secret != ""
}

// Validate prüft die modusabhängigen Vorbedingungen vor dem Lauf.
func (c *Config) Validate() error {
	if len(c.InDirs) == 0 {
		return ErrNoInputDirs
	}
	switch c.Mode {
	case ModeConnect:
		if c.CredentialsFile == "" {
			return fmt.Errorf("credentials file is required in %s mode", ModeConnect)
		}
	case ModePrepare:
		if strings.TrimSpace(c.OutDir) == "" {
			return ErrMissingOutDir
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	return nil
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
