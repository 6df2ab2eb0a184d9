package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"nifti2database/config"
	"nifti2database/models"
	"nifti2database/services"
	"nifti2database/storage"
)

const usage = `nifti2database [run|serve|version]

Parse nifti and json sidecar parameters and export them into a database for easy query.

Commands:
  run      single pass over NIFTI_IN_DIRS, then exit (exit code 1 on failure)
  serve    HTTP API on HTTP_PORT, optional scheduled runs via CRON_SCHEDULE (default)
  version  print the version

Environment:
  NIFTI_IN_DIRS             comma separated nifti directories, usually in xnat/archive
  NIFTI_MODE                connect (insert into database) or prepare (write SQL file)
  NIFTI_OUT_DIR             output directory for logfile and prepared SQL (default /tmp/)
  NIFTI_LOGFILE             write logfile into NIFTI_OUT_DIR (default false)
  NIFTI_CREDENTIALS         JSON file with database, user, password, host, port
                            and optional schema, table, sslmode, gssencmode
  NIFTI_DECISION_TREE       optional YAML decision tree
  NIFTI_COLLECT_STATEMENTS  connect mode: collect statements instead of executing
  NIFTI_AUTO_MIGRATE        create the target table if missing
`

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	switch command {
	case "version", "-v", "--version":
		fmt.Println(services.Version)
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "run", "serve":
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	tree, err := services.LoadDecisionTree(cfg.DecisionTreeFile)
	if err != nil {
		logging.Fatal("Decision tree load error", zap.Error(err))
	}
	logging.Info("Decision tree loaded", zap.Int("rules", len(tree.Rules)))

	upload, err := newUploader(cfg)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}
	workflow := services.NewWorkflow(tree, logging, upload)

	if command == "run" {
		code := runOnce(cfg, workflow, logging)
		_ = logging.Sync()
		os.Exit(code)
	}
	serve(cfg, workflow, logging)
}

// runOnce führt einen Lauf aus und gibt den Exit-Code zurück.
func runOnce(cfg *config.Config, workflow *services.Workflow, logging *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := workflow.Run(ctx, services.OptionsFromConfig(cfg))
	fmt.Print(report.Report)
	if err != nil {
		logging.Error("Run failed", zap.Error(err))
		return 1
	}
	return 0
}

func serve(cfg *config.Config, workflow *services.Workflow, logging *zap.Logger) {
	var db *gorm.DB
	if cfg.CredentialsFile != "" {
		creds, err := config.LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			logging.Fatal("Credentials load error", zap.Error(err))
		}
		db, err = storage.OpenPostgres(creds)
		if err != nil {
			logging.Fatal("Failed to connect to scan database", zap.Error(err))
		}
		db = db.Table(creds.QualifiedTable()).Session(&gorm.Session{})
		logging.Info("Successfully connected to scan database.", zap.String("table", creds.QualifiedTable()))
	}

	router := setupRouter(cfg, workflow, db, logging)

	if cfg.CronSchedule != "" {
		cronScheduler := cron.New()
		_, err := cronScheduler.AddFunc(cfg.CronSchedule, func() {
			logging.Info("Running scheduled ingestion...")
			report, err := workflow.Run(context.Background(), services.OptionsFromConfig(cfg))
			if err != nil {
				logging.Error("Scheduled ingestion failed", zap.Error(err))
				return
			}
			logging.Info("Scheduled ingestion completed", zap.Int("unique_scans", report.Unique))
		})
		if err != nil {
			logging.Fatal("Invalid cron schedule", zap.String("schedule", cfg.CronSchedule), zap.Error(err))
		}
		cronScheduler.Start()
		defer cronScheduler.Stop()
	}

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupRouter(cfg *config.Config, workflow *services.Workflow, db *gorm.DB, logging *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "API is running")
	})
	router.GET("/help", func(c *gin.Context) {
		c.String(http.StatusOK, usage)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("/")
	authed.Use(apiKeyAuthMiddleware(cfg))
	setupIngestRoutes(authed, cfg, workflow, logging)
	if db != nil {
		setupScanRoutes(authed, db, logging)
	}
	return router
}

// ingestRequest ist der Body für POST /nifti2database.
type ingestRequest struct {
	InDir   []string `json:"in_dir"`
	Mode    string   `json:"mode"`
	OutDir  string   `json:"out_dir"`
	Logfile bool     `json:"logfile"`
	Collect bool     `json:"collect"`
}

func (r ingestRequest) options(cfg *config.Config) services.RunOptions {
	opts := services.OptionsFromConfig(cfg)
	opts.InDirs = r.InDir
	if r.Mode != "" {
		opts.Mode = r.Mode
	}
	if r.OutDir != "" {
		opts.OutDir = r.OutDir
	}
	opts.Logfile = r.Logfile
	opts.Collect = r.Collect
	return opts
}

func bindIngestRequest(c *gin.Context) (ingestRequest, string) {
	var req ingestRequest
	if c.Request.ContentLength == 0 {
		return req, "empty JSON"
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, "invalid JSON: " + err.Error()
	}
	if len(req.InDir) == 0 {
		return req, `"in_dir" key not in JSON`
	}
	for _, d := range req.InDir {
		if strings.TrimSpace(d) == "" {
			return req, `"in_dir" contains an empty path`
		}
	}
	return req, ""
}

func setupIngestRoutes(rg *gin.RouterGroup, cfg *config.Config, workflow *services.Workflow, log *zap.Logger) {
	rg.POST("/nifti2database", func(c *gin.Context) {
		req, reason := bindIngestRequest(c)
		if reason != "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "input_request": req, "reason": reason})
			return
		}
		report, err := workflow.Run(c.Request.Context(), req.options(cfg))
		resp := gin.H{"success": report.Success, "input_request": req, "run": report}
		if err != nil {
			resp["reason"] = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	})

	rg.POST("/nifti2database/async", func(c *gin.Context) {
		req, reason := bindIngestRequest(c)
		if reason != "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "input_request": req, "reason": reason})
			return
		}
		go func() {
			report, err := workflow.Run(context.Background(), req.options(cfg))
			if err != nil {
				log.Error("Async ingestion failed", zap.String("run_id", report.RunID), zap.Error(err))
				return
			}
			log.Info("Async ingestion completed", zap.String("run_id", report.RunID), zap.Int("unique_scans", report.Unique))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Ingestion triggered."})
	})
}

// setupScanRoutes stellt lesenden Zugriff auf die Scan-Tabelle bereit.
func setupScanRoutes(rg *gin.RouterGroup, db *gorm.DB, log *zap.Logger) {
	scans := rg.Group("/scans")

	scans.GET("/:suid", func(c *gin.Context) {
		var doc models.ScanDocument
		err := db.WithContext(c.Request.Context()).Where("suid = ?", c.Param("suid")).Take(&doc).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
				return
			}
			log.Error("Database query for scan failed", zap.String("suid", c.Param("suid")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	scans.GET("", func(c *gin.Context) {
		query := db.WithContext(c.Request.Context())
		if pid := c.Query("patient_date_id"); pid != "" {
			query = query.Where("patient_date_id = ?", pid)
		}
		var docs []models.ScanDocument
		if err := query.Order("insert_time desc").Limit(500).Find(&docs).Error; err != nil {
			log.Error("Database query for scans failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, docs)
	})
}

func newUploader(cfg *config.Config) (services.Uploader, error) {
	if !cfg.S3Enabled() {
		return nil, nil
	}
	client, err := storage.NewS3Client(context.Background(), storage.S3Options{
		URL:    cfg.S3URL,
		Region: cfg.S3Region,
		Key:    cfg.S3Key,
		Secret: cfg.S3Secret,
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, key string, data []byte) (string, error) {
		return storage.UploadFile(ctx, client, cfg.S3URL, cfg.S3Bucket, key, data)
	}, nil
}
