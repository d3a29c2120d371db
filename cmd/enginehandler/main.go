// Command enginehandler is the serverless Job Handler entrypoint (C8). By
// default it serves POST /run over HTTP; with -payload it reads one
// JobPayload from a file (or stdin, via -payload -) and runs it once,
// printing the JobResponse and exiting, for serverless runtimes that invoke
// a worker process per job instead of keeping one listening.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/config"
	"github.com/nodeforge/enginectl/internal/fetcher"
	"github.com/nodeforge/enginectl/internal/gitresolver"
	"github.com/nodeforge/enginectl/internal/handler"
	"github.com/nodeforge/enginectl/internal/platform/env"
	"github.com/nodeforge/enginectl/internal/platform/httpserver"
	"github.com/nodeforge/enginectl/internal/platform/objectstore"
	"github.com/nodeforge/enginectl/internal/platform/retry"
	"github.com/nodeforge/enginectl/internal/resolver"
	"github.com/nodeforge/enginectl/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	payloadPath := flag.String("payload", "", "run one JobPayload from this file (or '-' for stdin) and exit, instead of serving HTTP")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	h, err := buildHandler(logger, cfg)
	if err != nil {
		logger.Error("failed to build handler", "error", err)
		os.Exit(1)
	}

	if *payloadPath != "" {
		os.Exit(runOnce(logger, h, *payloadPath))
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/run", runHandlerFunc(h))
	mux.HandleFunc("/healthz", httpserver.Healthz("enginehandler"))

	addr := env.String("ENGINEHANDLER_HTTP_ADDR", ":8188")
	wrapped := httpserver.Wrap(logger, "enginehandler", mux)
	if err := httpserver.Run(ctx, logger, httpserver.Config{Service: "enginehandler", Addr: addr}, wrapped); err != nil {
		logger.Error("http server stopped with error", "error", err)
		os.Exit(1)
	}
}

func buildHandler(logger *slog.Logger, cfg config.Config) (*handler.Handler, error) {
	git, err := gitresolver.New("git", cfg.Offline)
	if err != nil {
		return nil, err
	}
	fetch := fetcher.New(fetcher.Config{
		Offline:     cfg.Offline,
		HubToken:    cfg.HubToken,
		MarketToken: cfg.MarketToken,
		RetryPolicy: retry.Policy{MaxAttempts: cfg.FetchMaxAttempts, BaseSleep: cfg.FetchRetryBaseSleep},
	})
	cache, err := store.New(cfg.CacheRoot)
	if err != nil {
		return nil, err
	}
	rslv := resolver.New(git, func() int64 { return time.Now().Unix() })

	var objStore objectstore.Store
	if cfg.OutputMode == "object" {
		objStore, err = objectstore.NewMinioStore(cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
	}

	return handler.New(handler.Dependencies{
		Logger:        logger,
		Git:           git,
		Resolver:      rslv,
		Fetcher:       fetch,
		Cache:         cache,
		WorkspaceRoot: cfg.EngineHome + "/workspaces",
		SpecsDir:      filepath.Join(cfg.EngineHome, "specs"),
		ModelsDir:     cfg.ModelsDir,
		EngineHost:    "127.0.0.1",
		EnginePort:    8189,
		ReadyTimeout:  cfg.EngineReadyTimeout,
		UseSystemPy:   cfg.EngineUseSystemPy,
		ObjectStore:   objStore,
		DefaultBucket: cfg.ObjectStore.Bucket,
		DefaultPrefix: cfg.ObjectStore.Prefix,
		DefaultMode:   cfg.OutputMode,
	}), nil
}

func runHandlerFunc(h *handler.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var payload handler.JobPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, apierror.New(apierror.KindUsage, "invalid job payload: "+err.Error()))
			return
		}

		resp, err := h.Handle(r.Context(), payload)
		if err != nil {
			writeJSONError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(apierror.KindOf(err)))
	_ = json.NewEncoder(w).Encode(apierror.ToResponse(err))
}

func httpStatusFor(kind apierror.Kind) int {
	switch kind {
	case apierror.KindUsage:
		return http.StatusBadRequest
	case apierror.KindValidation:
		return http.StatusUnprocessableEntity
	case apierror.KindAuth:
		return http.StatusUnauthorized
	case apierror.KindOfflineUnavailable, apierror.KindNetwork:
		return http.StatusBadGateway
	case apierror.KindIntegrity:
		return http.StatusUnprocessableEntity
	case apierror.KindRealization, apierror.KindEnvBuild, apierror.KindEngineStart, apierror.KindEngineExec, apierror.KindUpload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func runOnce(logger *slog.Logger, h *handler.Handler, payloadPath string) int {
	var raw []byte
	var err error
	if payloadPath == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(payloadPath)
	}
	if err != nil {
		logger.Error("failed to read payload", "error", err)
		return 1
	}

	var payload handler.JobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.Error("failed to parse payload", "error", err)
		return 2
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := h.Handle(ctx, payload)
	encoded, encodeErr := json.MarshalIndent(resp, "", "  ")
	if encodeErr == nil {
		os.Stdout.Write(encoded)
		os.Stdout.Write([]byte("\n"))
	}
	if err != nil {
		return apierror.ExitCode(apierror.KindOf(err))
	}
	return 0
}
