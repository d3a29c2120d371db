package cli

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/domain"
)

func (a *App) cmdValidate(ctx context.Context, args []string) error {
	fs := newFlagSet("validate")
	if err := fs.Parse(args); err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "parse validate flags")
	}
	if fs.NArg() != 1 {
		return apierror.New(apierror.KindUsage, "usage: enginectl validate <version_id>")
	}
	versionID := fs.Arg(0)

	spec, err := a.loadSpec(versionID)
	if err != nil {
		return err
	}

	git, err := a.newGitResolver()
	if err != nil {
		return err
	}
	rslv := a.newResolver(git)

	lock, err := rslv.Resolve(ctx, spec)
	if err != nil {
		return err
	}
	if err := a.writeLock(lock); err != nil {
		return err
	}

	fmt.Fprintf(a.Stdout, "resolved %s -> engine@%s, digest=%s\n", versionID, lock.EngineSource.Commit, lock.SpecDigest)
	for _, ext := range lock.Extensions {
		fmt.Fprintf(a.Stdout, "  extension %s -> %s@%s\n", ext.Name, ext.Repo, ext.Commit)
	}
	for _, m := range lock.Models {
		fmt.Fprintf(a.Stdout, "  model %s\n", m.Source)
	}
	for _, warning := range manifestWarnings(spec) {
		fmt.Fprintf(a.Stdout, "  warning: %s\n", warning)
	}
	return nil
}

// manifestWarnings folds the spirit of the original worker's
// verify_custom_nodes.py/validate_yaml_models.py checks into validate's
// report: soft issues worth an operator's attention that don't block
// resolution the way specvalidator's structural checks do.
func manifestWarnings(spec domain.VersionSpec) []string {
	recognized := map[string]bool{"http": true, "https": true, "file": true, "gs": true, "hub": true, "market": true}
	var warnings []string
	for i, m := range spec.Models {
		if m.Checksum == "" {
			warnings = append(warnings, fmt.Sprintf("models[%d] (%s) has no checksum; integrity cannot be verified on fetch", i, m.Source))
		}
		u, err := url.Parse(m.Source)
		if err != nil || u.Scheme == "" || !recognized[strings.ToLower(u.Scheme)] {
			warnings = append(warnings, fmt.Sprintf("models[%d] (%s) has an unrecognized source scheme", i, m.Source))
		}
	}
	return warnings
}
