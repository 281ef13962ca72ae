// Command captrace is the capture orchestration daemon.
//
// Usage:
//
//	captrace -config captrace.yaml              # HTTP API on :8086
//	captrace -config captrace.yaml -mcp stdio   # plus MCP over stdio
//	captrace -url https://example.com           # capture one URL and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/captrace/capqueue"
	"github.com/hazyhaar/captrace/capstore"
	"github.com/hazyhaar/captrace/capture"
	"github.com/hazyhaar/captrace/corindex"
	"github.com/hazyhaar/captrace/dbopen"
	"github.com/hazyhaar/captrace/observability"
	"github.com/hazyhaar/captrace/shield"
)

func main() {
	configPath := flag.String("config", "", "path to captrace.yaml config file")
	dbPath := flag.String("db", "db/captrace.db", "capture store database")
	metricsPath := flag.String("metrics-db", "db/metrics.db", "metrics database")
	addr := flag.String("addr", ":8086", "HTTP listen address")
	mcpTransport := flag.String("mcp", "", "MCP transport: stdio (empty disables)")
	singleURL := flag.String("url", "", "capture a single URL and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *metricsPath, *addr, *mcpTransport, *singleURL); err != nil {
		logger.Error("captrace: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, metricsPath, addr, mcpTransport, singleURL string) error {
	cfg, err := capture.LoadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll(),
		dbopen.WithSchema(capstore.Schema), dbopen.WithSchema(corindex.Schema),
		dbopen.WithSchema(shield.Schema))
	if err != nil {
		return fmt.Errorf("open store db: %w", err)
	}
	defer db.Close()

	// Metrics live in their own database so timeseries churn never
	// contends with capture writes.
	metricsDB, err := dbopen.Open(metricsPath, dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.Schema))
	if err != nil {
		return fmt.Errorf("open metrics db: %w", err)
	}
	defer metricsDB.Close()
	metrics := observability.NewMetricsManager(metricsDB, 0, 0)
	defer metrics.Close()

	journal, err := capqueue.NewJournal(db, logger)
	if err != nil {
		return fmt.Errorf("job journal: %w", err)
	}
	defer journal.Close()

	index := corindex.New(db, logger)
	store := capstore.New(db, index, logger)
	queue := capqueue.New(cfg.Queue, journal, logger)

	driver, stopBrowser, err := capture.StartBrowser(ctx, cfg)
	if err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	defer stopBrowser()

	svc := capture.NewService(cfg, queue, store, index, driver, metrics, logger)
	svc.Start(ctx)
	defer svc.Close()

	if singleURL != "" {
		return runSingle(ctx, svc, singleURL)
	}

	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "captrace",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			transport := &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout}
			if err := mcpSrv.Run(ctx, transport); err != nil && ctx.Err() == nil {
				logger.Error("captrace: mcp server", "error", err)
			}
		}()
	}

	rl := shield.NewRateLimiter(db, logger)
	rl.StartReloader(ctx.Done())
	handler := shield.Wrap(svc.Router(),
		shield.SecurityHeaders(),
		shield.MaxJSONBody(1<<20),
		rl.Middleware,
	)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("captrace: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("captrace: server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("captrace: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("captrace: shutdown", "error", err)
	}
	return nil
}

// runSingle submits one capture, waits for a terminal state, and prints
// the stored record to stdout.
func runSingle(ctx context.Context, svc *capture.Service, url string) error {
	jobID, err := svc.Submit(ctx, capqueue.CaptureRequest{URL: url})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		st, err := svc.Status(jobID)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		switch st.State {
		case capqueue.StateCompleted:
			rec, err := svc.GetCapture(ctx, st.CaptureID)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(rec, "", "  ")
			os.Stdout.Write(data)
			os.Stdout.Write([]byte("\n"))
			return nil
		case capqueue.StateFailed, capqueue.StateCanceled, capqueue.StateAbandoned:
			return fmt.Errorf("capture %s: %s", st.State, st.LastError)
		}
	}
}
