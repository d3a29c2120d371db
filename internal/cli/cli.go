// Package cli implements C7: the `enginectl` subcommand dispatcher shared
// by cmd/enginectl. Each subcommand gets its own flag.FlagSet, in the
// style of the teacher's cmd/demo flag-parsing.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/config"
	"github.com/nodeforge/enginectl/internal/fetcher"
	"github.com/nodeforge/enginectl/internal/gitresolver"
	"github.com/nodeforge/enginectl/internal/platform/retry"
	"github.com/nodeforge/enginectl/internal/resolver"
	"github.com/nodeforge/enginectl/internal/store"
)

// App bundles the shared dependencies every subcommand needs.
type App struct {
	Cfg    config.Config
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
}

// Run dispatches args[0] to its subcommand and returns a CLI exit code
// (see apierror.ExitCode for the kind -> code mapping).
func (a *App) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(a.Stderr, usage())
		return apierror.ExitCode(apierror.KindUsage)
	}

	var err error
	switch args[0] {
	case "create":
		err = a.cmdCreate(args[1:])
	case "validate":
		err = a.cmdValidate(ctx, args[1:])
	case "realize":
		err = a.cmdRealize(ctx, args[1:])
	case "run-ui":
		err = a.cmdRunUI(ctx, args[1:])
	case "run-handler":
		err = a.cmdRunHandler(ctx, args[1:])
	case "clone":
		err = a.cmdClone(args[1:])
	case "delete":
		err = a.cmdDelete(args[1:])
	case "diff":
		err = a.cmdDiff(args[1:])
	case "-h", "--help", "help":
		fmt.Fprintln(a.Stdout, usage())
		return 0
	default:
		fmt.Fprintf(a.Stderr, "unknown subcommand %q\n%s\n", args[0], usage())
		return apierror.ExitCode(apierror.KindUsage)
	}

	if err != nil {
		kind := apierror.KindOf(err)
		fmt.Fprintf(a.Stderr, "error: %v\n", err)
		return apierror.ExitCode(kind)
	}
	return 0
}

func usage() string {
	return `usage: enginectl <command> [flags]

commands:
  create <version_id> --engine URL[@ref] [--extension NAME=URL[@ref]]... [--model URI[@target]]...
  validate <version_id>
  realize <version_id> [--target DIR] [--offline] [--dry-run]
  run-ui <version_id> [--host HOST] [--port PORT]
  run-handler <version_id> --workflow FILE [--output base64|object] [--out-file FILE]
  clone <src_id> <dst_id>
  delete <version_id> [--remove-spec]
  diff <version_a> <version_b>`
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs
}

// flagsFirst moves a leading positional argument (the version_id in the
// usage lines above) behind the flags, since flag parsing stops at the
// first non-flag argument.
func flagsFirst(args []string) []string {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return append(append([]string{}, args[1:]...), args[0])
	}
	return args
}

// newGitResolver and newFetcher centralize construction of the components
// every realize-capable subcommand shares.
func (a *App) newGitResolver() (*gitresolver.Resolver, error) {
	return gitresolver.New("git", a.Cfg.Offline)
}

func (a *App) newFetcher(objStore fetcher.Config) *fetcher.Fetcher {
	objStore.RetryPolicy = retry.Policy{MaxAttempts: a.Cfg.FetchMaxAttempts, BaseSleep: a.Cfg.FetchRetryBaseSleep}
	return fetcher.New(objStore)
}

func (a *App) newResolver(git resolver.RefResolver) *resolver.Resolver {
	return resolver.New(git, nowUnix)
}

func (a *App) newStore() (*store.Store, error) {
	return store.New(a.Cfg.CacheRoot)
}
