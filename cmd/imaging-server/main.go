package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/imaging/internal/config"
	"github.com/ehr/imaging/internal/domain/imaging"
	"github.com/ehr/imaging/internal/platform/blobstore"
	"github.com/ehr/imaging/internal/platform/db"
	"github.com/ehr/imaging/internal/platform/dicomnet"
	"github.com/ehr/imaging/internal/platform/middleware"
	"github.com/ehr/imaging/internal/platform/telemetry"
	"github.com/ehr/imaging/migrations"
)

const uploadPath = "/api/v1/dicom/upload"

func main() {
	rootCmd := &cobra.Command{
		Use:   "imaging-server",
		Short: "DICOM ingestion server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(echoCmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP upload API and the DICOM listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	if cfg != nil {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// store bundles the opened repository with what health checks and shutdown
// need from the underlying driver.
type store struct {
	repo   imaging.Repository
	pool   *pgxpool.Pool
	sqlite *sql.DB
}

func (s *store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlite != nil {
		s.sqlite.Close()
	}
}

// openStore connects to the configured database. SQLite databases are
// migrated on open; Postgres expects `migrate up` to have been run.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		n, err := db.NewSQLiteMigrator(conn, migrations.SQLite()).Up(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Int("migrations_applied", n).Msg("opened sqlite database")
		return &store{repo: imaging.NewSQLiteRepo(conn), sqlite: conn}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &store{repo: imaging.NewRepo(pool), pool: pool}, nil
	}
}

func newService(cfg *config.Config, repo imaging.Repository, observer imaging.UnitObserver, logger zerolog.Logger) (*imaging.Service, error) {
	blobs, err := blobstore.NewFileStore(cfg.StorageRoot, logger)
	if err != nil {
		return nil, err
	}
	policy, err := imaging.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		return nil, err
	}
	return imaging.NewService(repo, blobs, imaging.Options{
		DuplicatePolicy:      policy,
		NameBySOPInstanceUID: cfg.NameBlobsBySOP(),
		Observer:             observer,
	}, logger), nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		l := newLogger(nil)
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer st.Close()

	var metrics *telemetry.Metrics
	var unitObserver imaging.UnitObserver
	var protoObserver dicomnet.Observer
	if cfg.Metrics {
		metrics = telemetry.NewMetrics()
		unitObserver, protoObserver = metrics, metrics
	}

	svc, err := newService(cfg, st.repo, unitObserver, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise ingestion")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadMaxBody, uploadPath))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, map[string]time.Duration{
		uploadPath: cfg.UploadTimeout,
	}))

	apiV1 := e.Group("/api/v1")
	imaging.NewHandler(svc).RegisterRoutes(apiV1)

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(cfg.DBDriver, st.repo, st.pool))
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	// DICOM listener
	var scp *dicomnet.Server
	if cfg.DICOMEnabled {
		scp = dicomnet.NewServer(net.JoinHostPort("", cfg.DICOMPort), svc, dicomnet.Options{
			AETitle:           cfg.DICOMAETitle,
			AllowedCallingAEs: cfg.DICOMAllowedCallingAEs,
			ReadTimeout:       cfg.DICOMReadTimeout,
			MaxPDULength:      cfg.DICOMMaxPDU,
			MaxMessageSize:    cfg.MaxObjectSize(),
			Observer:          protoObserver,
		}, logger)
		if err := scp.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start DICOM listener")
		}
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	if scp != nil {
		if err := scp.Stop(); err != nil {
			logger.Warn().Err(err).Msg("DICOM listener shutdown")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
