package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"cite-hand/config"
	"cite-hand/models"
	"cite-hand/providers"
	"cite-hand/providers/anthropic"
	"cite-hand/providers/crossref"
	"cite-hand/providers/openai"
	"cite-hand/services"
	"cite-hand/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	checksStartedCounter   prometheus.Counter
	checksCompletedCounter prometheus.Counter
	checksFailedCounter    prometheus.Counter
	issuesFoundCounter     prometheus.Counter
)

func init() {
	checksStartedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citation_checks_started_total",
		Help: "Total number of citation checks accepted for processing.",
	})
	checksCompletedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citation_checks_completed_total",
		Help: "Total number of citation checks that finished in DONE.",
	})
	checksFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citation_checks_failed_total",
		Help: "Total number of citation checks that finished in ERROR.",
	})
	issuesFoundCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citation_issues_found_total",
		Help: "Total number of citation issues produced across all checks.",
	})
	prometheus.MustRegister(checksStartedCounter, checksCompletedCounter, checksFailedCounter, issuesFoundCounter)
}

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
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	// Auto-Migration
	logging.Info("Running database auto-migration...")
	db.AutoMigrate(
		&models.CitationCheck{},
		&models.CitationIssue{},
		&models.CitationEvidence{},
		&models.CorpusPaper{},
		&models.CorpusParagraph{},
		&models.CorpusReference{},
	)

	// Setup Judge Provider
	var judge providers.Judge
	switch cfg.JudgeProvider {
	case "openai":
		judge, err = openai.NewClient(cfg, logging)
	case "anthropic":
		judge, err = anthropic.NewClient(cfg, logging)
	default:
		logging.Fatal("Unknown judge provider in config", zap.String("provider_name", cfg.JudgeProvider))
	}
	if err != nil {
		logging.Fatal("Judge provider setup failed", zap.Error(err))
	}
	logging.Info("Judge provider loaded", zap.String("provider", judge.Name()))

	// Optionales Manuskript-Archiv
	var archiver services.ManuscriptArchiver
	if cfg.ArchiveEnabled() {
		s3Client, err := storage.NewS3Client(cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		archiver = storage.NewManuscriptArchive(s3Client, cfg)
		logging.Info("Manuscript archive enabled", zap.String("bucket", cfg.StratoS3Bucket))
	}

	// Setup Services
	store := storage.NewGormStore(db, logging)
	webFetcher := crossref.NewFetcher(cfg, logging)
	metrics := &services.Metrics{
		ChecksStarted:   checksStartedCounter,
		ChecksCompleted: checksCompletedCounter,
		ChecksFailed:    checksFailedCounter,
		IssuesFound:     issuesFoundCounter,
	}
	checkService := services.NewCheckService(cfg, store, store, judge, webFetcher, archiver, metrics, logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupCheckRoutes(router, checkService, logging)
	setupIssueRoutes(router, checkService, logging)
	setupStreamRoutes(router, checkService, logging)
	setupCorpusRoutes(router, store, logging)

	// Setup Cron: hängengebliebene Checks regelmäßig aufräumen
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.SweeperCronSchedule, func() {
		if _, err := checkService.SweepStale(context.Background()); err != nil {
			logging.Error("Stale-check sweep failed", zap.Error(err))
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// setupCheckRoutes konfiguriert die Job-Endpunkte der Pipeline
func setupCheckRoutes(router *gin.Engine, checkService *services.CheckService, log *zap.Logger) {
	rg := router.Group("/checks")

	// POST - Manuskript einreichen; antwortet sofort mit dem Job
	rg.POST("/", func(c *gin.Context) {
		var req services.SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		result, err := checkService.Submit(c.Request.Context(), req)
		if err != nil {
			log.Error("Check submission failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if result.Cached {
			c.JSON(http.StatusOK, result)
			return
		}
		c.JSON(http.StatusAccepted, result)
	})

	// GET - Job samt Issues und Evidence abrufen
	rg.GET("/:id", func(c *gin.Context) {
		check, err := checkService.CheckWithIssues(c.Request.Context(), c.Param("id"))
		if err != nil {
			log.Error("Database query for check failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if check == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "check not found"})
			return
		}
		c.JSON(http.StatusOK, check)
	})

	// GET - Jüngster Job eines Dokuments
	rg.GET("/document/:documentId/latest", func(c *gin.Context) {
		check, err := checkService.LatestByDocument(c.Request.Context(), c.Param("documentId"))
		if err != nil {
			log.Error("Database query for latest check failed", zap.String("document_id", c.Param("documentId")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if check == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no check for document"})
			return
		}
		c.JSON(http.StatusOK, check)
	})

	// GET - Alle Jobs eines Projekts (ohne Issues)
	rg.GET("/project/:projectId", func(c *gin.Context) {
		checks, err := checkService.Store.ChecksByProject(c.Request.Context(), c.Param("projectId"))
		if err != nil {
			log.Error("Database query for project checks failed", zap.String("project_id", c.Param("projectId")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, checks)
	})

	// POST - Laufenden Job abbrechen
	rg.POST("/:id/cancel", func(c *gin.Context) {
		check, err := checkService.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, check)
	})
}

func setupIssueRoutes(router *gin.Engine, checkService *services.CheckService, log *zap.Logger) {
	rg := router.Group("/issues")

	// PUT - Resolved-Flag eines Issues setzen
	rg.PUT("/:id/resolved", func(c *gin.Context) {
		var req struct {
			Resolved *bool `json:"resolved" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body, 'resolved' field is required"})
			return
		}

		if err := checkService.ResolveIssue(c.Request.Context(), c.Param("id"), *req.Resolved); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "issue not found"})
				return
			}
			log.Error("Failed to update issue", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "resolved": *req.Resolved})
	})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// setupStreamRoutes konfiguriert den Websocket-Eventstream pro Job
func setupStreamRoutes(router *gin.Engine, checkService *services.CheckService, log *zap.Logger) {
	router.GET("/checks/:id/stream", func(c *gin.Context) {
		checkID := c.Param("id")
		check, err := checkService.Store.CheckByID(c.Request.Context(), checkID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if check == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "check not found"})
			return
		}

		// Vor dem Upgrade abonnieren, damit zwischen Snapshot und Stream
		// keine Events verloren gehen.
		events, unsubscribe := checkService.Notifier.Subscribe(checkID)
		defer unsubscribe()

		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("Websocket upgrade failed", zap.String("check_id", checkID), zap.Error(err))
			return
		}
		defer conn.Close()

		// Nach dem Abonnieren erneut laden: ein Abschluss zwischen dem
		// ersten Load und Subscribe käme sonst weder als Event noch im
		// Snapshot an und der Stream würde nie enden
		check, err = checkService.Store.CheckByID(c.Request.Context(), checkID)
		if err != nil || check == nil {
			log.Error("Reloading check for stream failed", zap.String("check_id", checkID), zap.Error(err))
			return
		}

		// Initialer Status-Snapshot, damit späte Subscriber den aktuellen
		// Zustand kennen
		snapshot := services.Event{
			Type:     services.EventStatus,
			CheckID:  check.ID,
			Status:   check.Status,
			Step:     check.Step,
			Progress: check.Progress,
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}

		// Bereits terminale Jobs bekommen sofort ihr Abschluss-Event
		if check.Terminal() {
			final := services.Event{Type: services.EventComplete, CheckID: check.ID, Status: check.Status}
			if check.Status == models.CheckStatusError {
				final.Type = services.EventError
				final.Error = check.ErrorMessage
			}
			conn.WriteJSON(final)
			return
		}

		// Lese-Pumpe: erkennt einen verschwundenen Client auch dann, wenn
		// gerade kein Event zu schreiben ist
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := conn.WriteJSON(event); err != nil {
					log.Debug("Websocket client gone", zap.String("check_id", checkID), zap.Error(err))
					return
				}
			case <-clientGone:
				log.Debug("Websocket client disconnected", zap.String("check_id", checkID))
				return
			}
		}
	})
}

// setupCorpusRoutes konfiguriert Lese-Endpunkte auf den ingestierten Korpus
func setupCorpusRoutes(router *gin.Engine, store *storage.GormStore, log *zap.Logger) {
	rg := router.Group("/corpus")

	rg.GET("/papers", func(c *gin.Context) {
		var papers []models.CorpusPaper
		if err := store.DB.Find(&papers).Error; err != nil {
			log.Error("Database query for corpus papers failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, papers)
	})

	rg.GET("/papers/:id/paragraphs", func(c *gin.Context) {
		paragraphs, err := store.ParagraphsByPaper(c.Request.Context(), c.Param("id"))
		if err != nil {
			log.Error("Database query for paragraphs failed", zap.String("paper_id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, paragraphs)
	})

	// PUT - Paper für den Default-Zitat-Kontext freischalten
	rg.PUT("/papers/:id/citation-context", func(c *gin.Context) {
		var req struct {
			Enabled *bool `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body, 'enabled' field is required"})
			return
		}

		result := store.DB.Model(&models.CorpusPaper{}).
			Where("id = ?", c.Param("id")).
			Update("citation_context", *req.Enabled)
		if result.Error != nil {
			log.Error("Failed to update citation context flag", zap.String("paper_id", c.Param("id")), zap.Error(result.Error))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "paper not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "citation_context": *req.Enabled})
	})
}
