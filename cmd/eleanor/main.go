// Eleanor core — ingests events from connectors/parsers, buffers them
// durably, evaluates Sigma and correlation rules in real time, stores
// evidence with chain-of-custody, and runs response playbooks.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/connectors"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/correlation"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/database"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/eventbuffer"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/evidence"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ingest"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/masking"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/notify"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/parsers"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/parsers/formats"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/playbook"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/realtime"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/sigma"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	sigmaDir := flag.String("sigma-dir", getEnv("SIGMA_RULES_DIR", "./deploy/sigma-rules"), "Path to Sigma rule directory")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v (continuing with process environment)", envPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Database ---
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("error closing database: %v", err)
		}
	}()
	logger.Info("connected to postgres", "host", dbCfg.Host, "database", dbCfg.Database)

	// --- Event buffer (Redis Streams) ---
	buffer, err := eventbuffer.New(ctx, eventbuffer.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}, logger)
	if err != nil {
		log.Fatalf("event buffer connect: %v", err)
	}
	defer buffer.Close()

	// --- Parsers ---
	parserRegistry := parsers.NewRegistry(logger)
	parserRegistry.Register(formats.NewCEFParser(logger))
	parserRegistry.Register(formats.NewCrowdStrikeFDRParser(logger))
	parserRegistry.Register(formats.NewSuricataEVEParser(logger))
	parserRegistry.Register(formats.NewSuricataFastLogParser(logger))
	parserRegistry.Register(formats.NewZeekParser(logger))
	parserRegistry.Register(formats.NewAccessLogParser(logger))
	parserRegistry.Register(formats.NewOsqueryParser(logger))
	parserRegistry.Register(formats.NewMemoryParser(logger))
	parserRegistry.Register(formats.NewBrowserHistoryParser(logger))
	parserRegistry.Register(formats.NewBrowserLoginParser(logger))

	// --- Evidence store ---
	evidenceStore := evidence.NewObjectStore(
		getEnv("SUPABASE_URL", ""),
		os.Getenv("SUPABASE_SERVICE_KEY"),
		getEnv("EVIDENCE_BUCKET", "evidence"),
	)
	redactor := masking.NewService(logger)
	custodyLog := evidence.NewCustodyLog(dbClient.DB()).WithRedactor(redactor)
	artifactRecords := evidence.NewRecordStore(dbClient.DB())

	// --- Correlation ---
	eventSource := correlation.NewPostgresSource(dbClient.DB())
	correlationStore := correlation.NewStore(dbClient.DB())
	correlationEngine := correlation.New(eventSource, correlationStore)

	// --- Sigma ---
	sigmaDirectory := sigma.NewDirectory()
	if n, err := sigmaDirectory.Load(os.DirFS(*sigmaDir), "."); err != nil {
		logger.Warn("failed to load sigma rules", "dir", *sigmaDir, "error", err)
	} else {
		logger.Info("loaded sigma rules", "count", n, "dir", *sigmaDir)
	}

	// --- Notification + Playbook ---
	var notifier notify.Notifier
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		notifier = notify.NewSlackNotifier(token, getEnv("SLACK_DEFAULT_CHANNEL", ""), logger)
	}

	var workflowRunner playbook.WorkflowRunner
	if addr := os.Getenv("WORKFLOW_RUNNER_ADDR"); addr != "" {
		runner, err := playbook.NewGRPCWorkflowRunner(addr)
		if err != nil {
			logger.Warn("failed to connect to workflow runner", "addr", addr, "error", err)
		} else {
			workflowRunner = runner
			defer runner.Close()
		}
	}
	actionRegistry := playbook.NewActionRegistry(logger)
	playbookStore := playbook.NewStore(dbClient.DB())
	playbookEngine := playbook.New(playbookStore, actionRegistry, notifier, workflowRunner, logger)

	// --- Ingestion pipeline: connectors -> parsers -> index/buffer/sigma,
	// with evidence intake and an optional playbook auto-trigger on match ---
	autoTrigger := ingest.AutoTrigger{
		MinLevel:   sigma.Level(getEnv("AUTO_PLAYBOOK_MIN_LEVEL", "critical")),
		PlaybookID: os.Getenv("AUTO_PLAYBOOK_ID"),
	}
	pipeline := ingest.New(parserRegistry, eventSource, buffer, sigmaDirectory, logger,
		ingest.WithEvidence(artifactRecords, evidenceStore, custodyLog),
		ingest.WithPlaybookAutoTrigger(playbookEngine, autoTrigger),
	)

	ingestDir := getEnv("INGEST_LOG_DIR", "./deploy/ingest")
	fileConnector := connectors.NewFileTailConnector(connectors.Config{
		Name:         "file-tail",
		PollInterval: 5 * time.Second,
	}, ingestDir, logger)
	if err := fileConnector.Connect(ctx); err != nil {
		logger.Warn("file tail connector not started", "dir", ingestDir, "error", err)
	} else {
		go func() {
			err := fileConnector.Stream(ctx, func(raw ecs.RawEvent) error {
				return pipeline.Ingest(ctx, raw)
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("file tail connector stopped", "error", err)
			}
		}()
		defer fileConnector.Disconnect(context.Background())
	}

	// --- Real-time processor ---
	ruleSource := realtime.NewStaticRuleSource(nil)
	alertSink := realtime.NewStoreSink(dbClient.DB())
	processor := realtime.New(buffer, correlationEngine, ruleSource, alertSink, logger)
	if err := processor.Start(ctx, workerCountFromEnv()); err != nil {
		log.Fatalf("start realtime processor: %v", err)
	}
	defer processor.Stop()

	logger.Info("eleanor core started", "version", version.Full(), "sigma_rules", len(sigmaDirectory.All()), "parsers", len(parserRegistry.All()))

	// --- Minimal health/metrics surface (routing/auth out of scope) ---
	ginMode := getEnv("GIN_MODE", "release")
	gin.SetMode(ginMode)
	router := gin.Default()

	router.GET("/healthz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := database.Health(reqCtx, dbClient.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
	})

	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, processor.Stats())
	})

	httpPort := getEnv("HTTP_PORT", "8090")
	srv := &http.Server{Addr: ":" + httpPort, Handler: router}

	go func() {
		logger.Info("http server listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
}

func workerCountFromEnv() int {
	if v := os.Getenv("REALTIME_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 4
}
