package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"nifti2database/config"
	"nifti2database/storage"
)

// BackupConfig steuert das Backup der Scan-Tabelle.
type BackupConfig struct {
	CredentialsFile string `envconfig:"NIFTI_CREDENTIALS" required:"true"`
	BackupBucket    string `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupEndpoint  string `envconfig:"BACKUP_S3_ENDPOINT" required:"true"`
	BackupAccessKey string `envconfig:"BACKUP_S3_ACCESS_KEY" required:"true"`
	BackupSecretKey string `envconfig:"BACKUP_S3_SECRET_KEY" required:"true"`
	BackupRegion    string `envconfig:"BACKUP_S3_REGION" required:"true"`
	BackupPrefix    string `envconfig:"BACKUP_S3_PREFIX" default:"nifti2database/"`
	KeepBackups     int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	_ = godotenv.Load()
	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Fatal("Config load error", zap.Error(err))
	}
	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		logger.Fatal("Credentials load error", zap.Error(err))
	}

	ctx := context.Background()
	table := creds.QualifiedTable()
	logger.Info("Starting backup", zap.String("table", table))

	dumpData, err := createDump(ctx, creds, table)
	if err != nil {
		logger.Fatal("Dump of scan table failed", zap.Error(err))
	}

	client, err := storage.NewS3Client(ctx, storage.S3Options{
		URL:    cfg.BackupEndpoint,
		Region: cfg.BackupRegion,
		Key:    cfg.BackupAccessKey,
		Secret: cfg.BackupSecretKey,
	})
	if err != nil {
		logger.Fatal("S3 client creation failed", zap.Error(err))
	}

	key := fmt.Sprintf("%s%s-%s.sql.gz", cfg.BackupPrefix, strings.ReplaceAll(table, ".", "_"), time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	link, err := storage.UploadFile(ctx, client, cfg.BackupEndpoint, cfg.BackupBucket, key, dumpData)
	if err != nil {
		logger.Fatal("Backup upload failed", zap.Error(err))
	}
	logger.Info("Backup uploaded", zap.String("link", link), zap.Int("bytes", len(dumpData)))

	if err := rotateBackups(ctx, client, cfg, logger); err != nil {
		logger.Fatal("Backup rotation failed", zap.Error(err))
	}
	logger.Info("Backup finished")
}

// createDump exportiert nur die Scan-Tabelle per pg_dump und komprimiert sie mit gzip.
func createDump(ctx context.Context, creds *config.Credentials, table string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", creds.Host,
		"-p", creds.Port.String(),
		"-U", creds.User,
		"-d", creds.Database,
		"-t", table,
		"-w", // Passwort kommt über PGPASSWORD
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+creds.Password)
	if creds.SSLMode != "" {
		cmd.Env = append(cmd.Env, "PGSSLMODE="+creds.SSLMode)
	}
	if creds.GSSEncMode != "" {
		cmd.Env = append(cmd.Env, "PGGSSENCMODE="+creds.GSSEncMode)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, stdout); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// rotateBackups behält die neuesten KeepBackups Dumps unter dem Präfix.
func rotateBackups(ctx context.Context, client *s3.Client, cfg BackupConfig, logger *zap.Logger) error {
	output, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.BackupBucket),
		Prefix: aws.String(cfg.BackupPrefix),
	})
	if err != nil {
		return err
	}

	if len(output.Contents) <= cfg.KeepBackups {
		logger.Info("No rotation needed", zap.Int("backups", len(output.Contents)), zap.Int("keep", cfg.KeepBackups))
		return nil
	}

	sort.Slice(output.Contents, func(i, j int) bool {
		return output.Contents[i].LastModified.After(*output.Contents[j].LastModified)
	})

	for _, obj := range output.Contents[cfg.KeepBackups:] {
		logger.Info("Deleting old backup", zap.String("key", *obj.Key))
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.BackupBucket),
			Key:    obj.Key,
		})
		if err != nil {
			logger.Warn("Deleting old backup failed", zap.String("key", *obj.Key), zap.Error(err))
		}
	}

	return nil
}
