package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/substrate/internal/audit"
	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/eventstream"
	"github.com/basket/substrate/internal/orchestrator"
	"github.com/basket/substrate/internal/shared"
	"github.com/basket/substrate/internal/telemetry"
	"github.com/mattn/go-isatty"
)

var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s -graph <file>            Run a task graph to completion

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
EXAMPLES:
  Run a graph:        %s -graph tasks.yaml
  Limit concurrency:  %s -graph tasks.yaml -concurrency 5
`, os.Args[0], os.Args[0])
}

func main() {
	traceID := shared.NewTraceID()

	projectRoot, err := os.Getwd()
	if err != nil {
		fatalStartup(nil, traceID, "E_CWD", err)
	}

	graphFile := flag.String("graph", "", "task graph file to load and execute (YAML or JSON)")
	concurrency := flag.Int("concurrency", 3, "maximum tasks dispatched at once")
	policyPath := flag.String("policy", filepath.Join(projectRoot, ".substrate", "routing.yaml"), "routing policy file")
	dbPath := flag.String("db", "", "session database path (default: .substrate/substrate.db under project root)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	quietLogs := flag.Bool("quiet", false, "write logs to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	if *graphFile == "" {
		printUsage()
		os.Exit(2)
	}

	logger, logFile, err := telemetry.NewLogger(filepath.Join(projectRoot, ".substrate"), *logLevel, *quietLogs, traceID)
	if err != nil {
		fatalStartup(nil, traceID, "E_LOG_INIT", err)
	}
	defer logFile.Close()

	if err := audit.Init(filepath.Join(projectRoot, ".substrate")); err != nil {
		fatalStartup(logger, traceID, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	ctx, stop := signal.NotifyContext(shared.WithTraceID(context.Background(), traceID), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(ctx, orchestrator.Config{
		ProjectRoot:    projectRoot,
		DBPath:         *dbPath,
		PolicyPath:     *policyPath,
		MaxConcurrency: *concurrency,
		Logger:         logger,
	})
	if err != nil {
		fatalStartup(logger, traceID, "E_ORCHESTRATOR_INIT", err)
	}

	orch.Bus().Subscribe(bus.TopicGraphComplete, func(bus.Event) { stop() })

	// Always mirror the run as NDJSON on stdout. When stdout is a
	// terminal there's a human watching it directly, so also mirror a
	// plain-text summary line per event to stderr.
	var humanOut io.Writer
	if isatty.IsTerminal(os.Stdout.Fd()) {
		humanOut = os.Stderr
	}
	eventstream.New(os.Stdout, humanOut, traceID).Subscribe(orch.Bus())

	sessionID, err := orch.Start(ctx, *graphFile, *concurrency)
	if err != nil {
		fatalStartup(logger, traceID, "E_SESSION_START", err)
	}
	logger.Info("session running", "session_id", sessionID, "version", Version)

	<-ctx.Done()
	logger.Info("shutdown or completion signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func fatalStartup(logger *slog.Logger, traceID, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":%q,"msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			traceID,
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
