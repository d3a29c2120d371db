package cli

import (
	"context"
	"fmt"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/envbuilder"
	"github.com/nodeforge/enginectl/internal/fetcher"
	"github.com/nodeforge/enginectl/internal/realizer"
)

func (a *App) cmdRealize(ctx context.Context, args []string) error {
	fs := newFlagSet("realize")
	target := fs.String("target", "", "override workspace directory")
	offline := fs.Bool("offline", a.Cfg.Offline, "do not perform any network access")
	dryRun := fs.Bool("dry-run", false, "print the realize plan and exit without mutating anything")
	overwrite := fs.Bool("overwrite", false, "replace a pre-existing non-symlink at a projection target instead of refusing")
	if err := fs.Parse(flagsFirst(args)); err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "parse realize flags")
	}
	if fs.NArg() != 1 {
		return apierror.New(apierror.KindUsage, "usage: enginectl realize <version_id> [--target DIR] [--offline] [--dry-run] [--overwrite]")
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
	if *target != "" {
		workspaceDir = *target
	}

	git, err := a.newGitResolver()
	if err != nil {
		return err
	}
	cache, err := a.newStore()
	if err != nil {
		return err
	}
	fetch := a.newFetcher(fetcher.Config{Offline: *offline, HubToken: a.Cfg.HubToken, MarketToken: a.Cfg.MarketToken})
	rz := realizer.New(git, fetch, cache, a.Logger, realizer.Config{WorkspaceDir: workspaceDir, Overwrite: *overwrite})

	status, err := rz.Check(lock)
	if err != nil {
		return err
	}

	if *dryRun {
		if status.UpToDate {
			fmt.Fprintf(a.Stdout, "workspace %s is up to date (digest=%s); no action\n", workspaceDir, status.TargetDigest)
			return nil
		}
		fmt.Fprintf(a.Stdout, "would realize %s into %s (current=%s, target=%s)\n", versionID, workspaceDir, status.CurrentDigest, status.TargetDigest)
		fmt.Fprintln(a.Stdout, "  plan: materialize engine source, materialize extensions, fetch/project models, build venv, install packages, write model-paths config")
		return nil
	}

	if err := rz.Realize(ctx, lock); err != nil {
		return err
	}

	builder := envbuilder.New(envbuilder.Config{WorkspaceDir: workspaceDir, UseSystemPy: a.Cfg.EngineUseSystemPy, ExtraPackages: lock.ExtraPackages})
	if err := rz.EnvBuild(ctx, builder, a.Cfg.ModelsDir, lock); err != nil {
		return err
	}

	fmt.Fprintf(a.Stdout, "realized %s into %s\n", versionID, workspaceDir)
	return nil
}
