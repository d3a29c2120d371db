// Package config materializes one Config struct from the environment at
// process start; every component receives it by value, following the
// teacher's no-globals convention (see gateway/main.go's *ConfigFromEnv
// constructors).
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/nodeforge/enginectl/internal/platform/env"
	"github.com/nodeforge/enginectl/internal/platform/objectstore"
)

type Config struct {
	EngineHome string
	ModelsDir  string
	CacheRoot  string
	Offline    bool

	HubToken    string
	MarketToken string

	OutputMode string // default output mode: "base64" | "object"

	ObjectStore objectstore.Config

	FetchMaxAttempts    int
	FetchRetryBaseSleep time.Duration

	EngineReadyTimeout time.Duration
	EngineUseSystemPy  bool
}

func FromEnv() (Config, error) {
	offline, err := env.Bool("OFFLINE", false)
	if err != nil {
		return Config{}, err
	}
	fetchAttempts, err := env.Int("FETCH_MAX_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	fetchSleep, err := env.Duration("FETCH_RETRY_BASE_SLEEP", 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	readyTimeout, err := env.Duration("ENGINE_READY_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	useSystemPy, err := env.Bool("ENGINE_USE_SYSTEM_PYTHON", false)
	if err != nil {
		return Config{}, err
	}

	objCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return Config{}, err
	}

	engineHome := env.String("ENGINE_HOME", defaultEngineHome())
	modelsDir := env.String("MODELS_DIR", filepath.Join(engineHome, "models"))
	cacheRoot := env.String("CACHE_ROOT", defaultCacheRoot())

	return Config{
		EngineHome:          engineHome,
		ModelsDir:            modelsDir,
		CacheRoot:            cacheRoot,
		Offline:              offline,
		HubToken:             env.String("HUB_TOKEN", ""),
		MarketToken:          env.String("MARKET_TOKEN", ""),
		OutputMode:           env.String("OUTPUT_MODE", "object"),
		ObjectStore:          objCfg,
		FetchMaxAttempts:     fetchAttempts,
		FetchRetryBaseSleep:  fetchSleep,
		EngineReadyTimeout:   readyTimeout,
		EngineUseSystemPy:    useSystemPy,
	}, nil
}

func defaultEngineHome() string {
	if vol := "/workspace"; dirWritable(vol) {
		return filepath.Join(vol, "enginectl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "enginectl")
	}
	return filepath.Join(home, ".enginectl")
}

func defaultCacheRoot() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "enginectl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "enginectl-cache")
	}
	return filepath.Join(home, ".cache", "enginectl")
}

func dirWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := filepath.Join(path, ".enginectl-write-check")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}
