package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/dotscan/internal/credential"
	"github.com/zombor/dotscan/internal/pipeline"
	"github.com/zombor/dotscan/internal/report"
	"github.com/zombor/dotscan/internal/scanning"
	"github.com/zombor/dotscan/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("dotscan")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "dotscan.db", "Settings database file path (stores the operator-entered API key)")
		reportsPath = fs.StringLong("reports", "", "Directory that archives a copy of every export (off when empty)")
		scannerType = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name (e.g., qwen2.5vl, llava:1.6, llama3.2-vision)")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		maxUploadMB = fs.IntLong("max-upload-mb", 50, "Maximum size of one scan upload in MB")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("DOTSCAN"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.Info("Initializing settings database...", "path", *dbPath)
	store, err := credential.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize settings database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	processKey := *geminiKey
	if processKey == "" {
		processKey = os.Getenv("GEMINI_API_KEY")
	}
	resolver := credential.NewResolver(processKey, store)
	if cred, err := resolver.Resolve(); err == nil {
		slog.Info("API key available", "source", cred.Source)
	} else {
		slog.Warn("No API key configured yet; the operator will be asked for one on first scan")
	}

	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner = scanning.NewGemini(scanning.NewClientFactory(resolver, *geminiModel))
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner = scanning.NewOllama(*ollamaURL, *ollamaModel, resolver)
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer scanner.Close()

	var reports report.Storage
	if *reportsPath != "" {
		slog.Info("Initializing report storage...", "path", *reportsPath)
		local, err := report.NewLocalStorage(*reportsPath)
		if err != nil {
			slog.Error("Failed to initialize report storage", "error", err)
			os.Exit(1)
		}
		reports = local
	}

	metrics := pipeline.NewMetrics()
	entry := &server.CredentialEntry{}
	service := pipeline.NewService(scanner, resolver, entry, metrics)

	srv := server.NewServer(server.Config{
		Analyzer:    service,
		Credentials: resolver,
		Entry:       entry,
		Exporter:    report.NewExporter(reports),
		Reports:     reports,
		Gatherer:    metrics.Registry,
		BasicAuth: server.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
		MaxUploadBytes: int64(*maxUploadMB) << 20,
	})

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
}
