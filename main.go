package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"notebook-bridge/auth"
	"notebook-bridge/backend"
	"notebook-bridge/backend/notebooklm"
	"notebook-bridge/config"
	"notebook-bridge/models"
	"notebook-bridge/services"
	"notebook-bridge/storage"
	"notebook-bridge/zotero"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	queriesAnsweredCounter prometheus.Counter
	queriesFailedCounter   prometheus.Counter
	queriesRetriedCounter  prometheus.Counter
	authRefreshCounter     prometheus.Counter
)

func init() {
	queriesAnsweredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queries_answered_total",
			Help: "Total number of successfully answered queries.",
		},
	)
	queriesFailedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queries_failed_total",
			Help: "Total number of queries that ended in a final failure.",
		},
	)
	queriesRetriedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queries_retried_total",
			Help: "Total number of queries that needed an auth refresh and reissue.",
		},
	)
	authRefreshCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_refreshes_total",
			Help: "Total number of completed auth refreshes.",
		},
	)
	prometheus.MustRegister(queriesAnsweredCounter, queriesFailedCounter, queriesRetriedCounter, authRefreshCounter)
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
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	logging.Info("Running database auto-migration...")
	db.AutoMigrate(&models.Notebook{}, &models.Source{}, &models.Query{}, &models.Citation{})

	// Setup Backend
	holder := &backend.Holder{}
	factory := backend.Factory(func(ctx context.Context, authJSON string) (backend.Client, error) {
		return notebooklm.New(ctx, cfg.BridgeBaseURL, authJSON)
	})
	if cfg.BackendAuthJSON != "" {
		client, err := factory(context.Background(), cfg.BackendAuthJSON)
		if err != nil {
			logging.Warn("Initial backend session failed, waiting for auth refresh", zap.Error(err))
		} else {
			holder.Publish(client)
			logging.Info("Backend session established from configured auth state.")
		}
	} else {
		logging.Warn("No BACKEND_AUTH_JSON configured, backend unavailable until first refresh.")
	}
	refresher := auth.NewRefresher(cfg, logging, holder, factory)

	// Setup Services
	var s3Client *storage.S3Client
	if cfg.S3Enabled() {
		s3Client, err = storage.NewS3Client(cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
	} else {
		logging.Info("S3 storage not configured, PDFs are not archived.")
	}
	zoteroClient := zotero.NewClient(cfg, logging)
	reconciler := &services.SourceReconciler{DB: db, Holder: holder, Logger: logging}
	notebookService := &services.NotebookService{DB: db, Holder: holder, Logger: logging}
	sourceService := &services.SourceService{
		Config:     cfg,
		DB:         db,
		Holder:     holder,
		Zotero:     zoteroClient,
		Reconciler: reconciler,
		S3:         s3Client,
		Logger:     logging,
	}
	queryService := services.NewQueryService(cfg, db, holder, refresher, logging)
	batchService := &services.BatchService{Config: cfg, DB: db, Queries: queryService, Logger: logging}
	exportService := services.NewExportService(db, logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupHealthRoutes(router, db, holder)
	setupNotebookRoutes(router, notebookService, logging)
	setupSourceRoutes(router, sourceService, reconciler, logging)
	setupQueryRoutes(router, queryService, db, logging)
	setupBatchRoutes(router, batchService, logging)
	setupExportRoutes(router, exportService, logging)
	setupZoteroRoutes(router, zoteroClient, logging)
	setupAuthRoutes(router, refresher, logging)

	// Keepalive: die NotebookLM-Session kippt nach längerer Inaktivität,
	// deshalb wird der Auth-State regelmäßig erneuert.
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.KeepaliveSchedule, func() {
		logging.Info("Running scheduled session keepalive...")
		res, err := refresher.FullRefresh(context.Background())
		if err != nil {
			logging.Error("Keepalive refresh failed", zap.Error(err))
		} else {
			logging.Info("Keepalive refresh completed",
				zap.Int("cookies", res.CookieCount),
				zap.Duration("duration", res.Duration))
			authRefreshCounter.Inc()
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute, // Fragen ans Backend dauern
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupHealthRoutes(router *gin.Engine, db *gorm.DB, holder *backend.Holder) {
	router.GET("/health", func(c *gin.Context) {
		dbOK := true
		if sqlDB, err := db.DB(); err != nil || sqlDB.Ping() != nil {
			dbOK = false
		}
		_, backendOK := holder.Get()
		status := http.StatusOK
		if !dbOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"database":      dbOK,
			"backend_ready": backendOK,
		})
	})
}

func setupNotebookRoutes(router *gin.Engine, svc *services.NotebookService, log *zap.Logger) {
	rg := router.Group("/notebooks")

	rg.POST("/", func(c *gin.Context) {
		var req struct {
			Title string `json:"title" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		notebook, err := svc.Create(c.Request.Context(), req.Title)
		if err != nil {
			log.Error("Notebook creation failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, notebook)
	})

	rg.GET("/", func(c *gin.Context) {
		notebooks, err := svc.List()
		if err != nil {
			log.Error("Notebook listing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, notebooks)
	})

	rg.GET("/:id", func(c *gin.Context) {
		notebook, err := svc.Get(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "notebook not found"})
			return
		}
		c.JSON(http.StatusOK, notebook)
	})

	rg.POST("/:id/sync", func(c *gin.Context) {
		notebook, err := svc.Sync(c.Request.Context(), c.Param("id"))
		if err != nil {
			log.Error("Notebook sync failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, notebook)
	})

	rg.DELETE("/:id", func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
			log.Error("Notebook delete failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})
}

func setupSourceRoutes(router *gin.Engine, svc *services.SourceService, reconciler *services.SourceReconciler, log *zap.Logger) {
	rg := router.Group("/notebooks/:id/sources")

	rg.GET("/", func(c *gin.Context) {
		sources, err := svc.List(c.Param("id"))
		if err != nil {
			log.Error("Source listing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, sources)
	})

	rg.POST("/zotero", func(c *gin.Context) {
		var req struct {
			ItemKey string `json:"item_key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		source, err := svc.UploadFromZotero(c.Request.Context(), c.Param("id"), req.ItemKey)
		if err != nil {
			log.Error("Zotero upload failed", zap.String("item_key", req.ItemKey), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, source)
	})

	rg.POST("/reconcile", func(c *gin.Context) {
		report, err := reconciler.ReconcileAll(c.Request.Context(), c.Param("id"))
		if err != nil {
			log.Error("Reconcile run failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	sources := router.Group("/sources")

	sources.POST("/:id/fulltext", func(c *gin.Context) {
		source, err := svc.Get(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		if err := svc.FetchFulltext(c.Request.Context(), source); err != nil {
			log.Error("Fulltext fetch failed", zap.String("id", source.ID), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "chars": len(source.Fulltext)})
	})

	sources.DELETE("/:id", func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
			log.Error("Source delete failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})
}

func setupQueryRoutes(router *gin.Engine, svc *services.QueryService, db *gorm.DB, log *zap.Logger) {
	router.POST("/notebooks/:id/ask", func(c *gin.Context) {
		var req struct {
			Question       string `json:"question" binding:"required"`
			ConversationID string `json:"conversation_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		query, err := svc.Ask(c.Request.Context(), c.Param("id"), req.Question, req.ConversationID)
		if err != nil {
			queriesFailedCounter.Inc()
			log.Error("Query failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "query": query})
			return
		}
		queriesAnsweredCounter.Inc()
		if query.Retried {
			queriesRetriedCounter.Inc()
		}
		c.JSON(http.StatusOK, query)
	})

	router.GET("/queries/:id", func(c *gin.Context) {
		var query models.Query
		if err := db.Preload("Citations").First(&query, c.Param("id")).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
			return
		}
		c.JSON(http.StatusOK, query)
	})
}

func setupBatchRoutes(router *gin.Engine, svc *services.BatchService, log *zap.Logger) {
	router.POST("/notebooks/:id/batch", func(c *gin.Context) {
		var req struct {
			Questions []string `json:"questions" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		batchID, err := svc.Submit(c.Param("id"), req.Questions)
		if err != nil {
			log.Error("Batch submit failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "questions": len(req.Questions)})
	})

	router.GET("/batches/:id", func(c *gin.Context) {
		status, err := svc.Status(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	router.GET("/batches/:id/results", func(c *gin.Context) {
		results, err := svc.Results(c.Param("id"))
		if err != nil {
			log.Error("Batch results failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, results)
	})
}

func setupExportRoutes(router *gin.Engine, svc *services.ExportService, log *zap.Logger) {
	router.GET("/queries/:id/export", func(c *gin.Context) {
		id, err := parseUint(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query id"})
			return
		}
		doc, err := svc.ExportQuery(id)
		if err != nil {
			log.Error("Query export failed", zap.Uint("id", id), zap.Error(err))
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	router.GET("/notebooks/:id/export", func(c *gin.Context) {
		docs, err := svc.ExportNotebook(c.Param("id"))
		if err != nil {
			log.Error("Notebook export failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, docs)
	})
}

func setupZoteroRoutes(router *gin.Engine, client *zotero.Client, log *zap.Logger) {
	rg := router.Group("/zotero")

	rg.GET("/collections", func(c *gin.Context) {
		collections, err := client.ListCollections(c.Request.Context())
		if err != nil {
			log.Error("Zotero collection listing failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, collections)
	})

	rg.GET("/collections/:key/items", func(c *gin.Context) {
		items, err := client.ListItemsWithPDFs(c.Request.Context(), c.Param("key"))
		if err != nil {
			log.Error("Zotero item listing failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, items)
	})
}

func setupAuthRoutes(router *gin.Engine, refresher *auth.Refresher, log *zap.Logger) {
	router.POST("/auth/refresh", func(c *gin.Context) {
		res, err := refresher.FullRefresh(c.Request.Context())
		if err != nil {
			log.Error("Manual auth refresh failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		authRefreshCounter.Inc()
		c.JSON(http.StatusOK, gin.H{
			"cookies":     res.CookieCount,
			"origins":     res.OriginCount,
			"duration_ms": res.Duration.Milliseconds(),
		})
	})
}

func parseUint(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	return uint(n), err
}
