package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/engineproc"
	"github.com/nodeforge/enginectl/internal/envbuilder"
	"github.com/nodeforge/enginectl/internal/fetcher"
	"github.com/nodeforge/enginectl/internal/realizer"
)

// cmdRunUI realizes a version (if needed) and then launches its engine in
// the foreground, the interactive-UI counterpart to run-handler's headless
// single-job mode. It blocks until the context is canceled (SIGINT/SIGTERM);
// an engine process that exits on its own does not end the wait.
func (a *App) cmdRunUI(ctx context.Context, args []string) error {
	fs := newFlagSet("run-ui")
	host := fs.String("host", "127.0.0.1", "address the engine listens on")
	port := fs.Int("port", 8188, "port the engine listens on")
	if err := fs.Parse(flagsFirst(args)); err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "parse run-ui flags")
	}
	if fs.NArg() != 1 {
		return apierror.New(apierror.KindUsage, "usage: enginectl run-ui <version_id> [--host HOST] [--port PORT]")
	}
	versionID := fs.Arg(0)

	lock, ok, err := a.loadLock(versionID)
	if err != nil {
		return err
	}
	if !ok {
		return apierror.New(apierror.KindUsage, fmt.Sprintf("no resolved lock for %q; run `validate` first", versionID))
	}

	workspaceDir := a.workspaceDir(versionID)
	git, err := a.newGitResolver()
	if err != nil {
		return err
	}
	cache, err := a.newStore()
	if err != nil {
		return err
	}
	fetch := a.newFetcher(fetcher.Config{Offline: a.Cfg.Offline, HubToken: a.Cfg.HubToken, MarketToken: a.Cfg.MarketToken})
	rz := realizer.New(git, fetch, cache, a.Logger, realizer.Config{WorkspaceDir: workspaceDir})

	if err := rz.Realize(ctx, lock); err != nil {
		return err
	}

	builder := envbuilder.New(envbuilder.Config{WorkspaceDir: workspaceDir, UseSystemPy: a.Cfg.EngineUseSystemPy, ExtraPackages: lock.ExtraPackages})
	if err := rz.EnvBuild(ctx, builder, a.Cfg.ModelsDir, lock); err != nil {
		return err
	}
	interpreter, err := builder.ResolveInterpreter(ctx)
	if err != nil {
		return err
	}

	proc := engineproc.New(engineproc.Config{
		WorkspaceDir: workspaceDir,
		Interpreter:  interpreter,
		Host:         *host,
		Port:         *port,
		ReadyTimeout: a.Cfg.EngineReadyTimeout,
	}, a.Logger)

	if err := proc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = proc.Stop(10 * time.Second) }()

	if err := proc.WaitReady(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "engine for %s listening on http://%s:%d (ctrl-c to stop)\n", versionID, *host, *port)

	<-ctx.Done()
	fmt.Fprintln(a.Stdout, "shutting down engine")
	return nil
}
