package cli

import (
	"fmt"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/domain"
)

// cmdDiff compares two versions' resolved Locks and reports drift: commit
// changes, added/removed extensions and models, and digest divergence.
// Supplements spec.md with operator tooling the original worker covered via
// its repro_env_compare.py/repro_workflow_hash.py scripts.
func (a *App) cmdDiff(args []string) error {
	fs := newFlagSet("diff")
	if err := fs.Parse(args); err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "parse diff flags")
	}
	if fs.NArg() != 2 {
		return apierror.New(apierror.KindUsage, "usage: enginectl diff <version_a> <version_b>")
	}
	aID, bID := fs.Arg(0), fs.Arg(1)

	lockA, ok, err := a.loadLock(aID)
	if err != nil {
		return err
	}
	if !ok {
		return apierror.New(apierror.KindUsage, fmt.Sprintf("no resolved lock for %q; run `validate` first", aID))
	}
	lockB, ok, err := a.loadLock(bID)
	if err != nil {
		return err
	}
	if !ok {
		return apierror.New(apierror.KindUsage, fmt.Sprintf("no resolved lock for %q; run `validate` first", bID))
	}

	fmt.Fprintf(a.Stdout, "diff %s -> %s\n", aID, bID)

	if lockA.SpecDigest == lockB.SpecDigest {
		fmt.Fprintln(a.Stdout, "  digests match: no drift")
		return nil
	}

	if lockA.EngineSource.Commit != lockB.EngineSource.Commit {
		fmt.Fprintf(a.Stdout, "  engine: %s -> %s\n", lockA.EngineSource.Commit, lockB.EngineSource.Commit)
	}

	extA := byName(lockA.Extensions)
	extB := byName(lockB.Extensions)
	for name, refA := range extA {
		refB, ok := extB[name]
		switch {
		case !ok:
			fmt.Fprintf(a.Stdout, "  extension %s: removed\n", name)
		case refA.Commit != refB.Commit:
			fmt.Fprintf(a.Stdout, "  extension %s: %s -> %s\n", name, refA.Commit, refB.Commit)
		}
	}
	for name := range extB {
		if _, ok := extA[name]; !ok {
			fmt.Fprintf(a.Stdout, "  extension %s: added\n", name)
		}
	}

	modelsA := modelKeys(lockA.Models)
	modelsB := modelKeys(lockB.Models)
	for key := range modelsA {
		if !modelsB[key] {
			fmt.Fprintf(a.Stdout, "  model %s: removed\n", key)
		}
	}
	for key := range modelsB {
		if !modelsA[key] {
			fmt.Fprintf(a.Stdout, "  model %s: added\n", key)
		}
	}

	fmt.Fprintf(a.Stdout, "  digest: %s -> %s\n", lockA.SpecDigest, lockB.SpecDigest)
	return nil
}

func byName(refs []domain.SourceRef) map[string]domain.SourceRef {
	out := make(map[string]domain.SourceRef, len(refs))
	for _, r := range refs {
		out[r.Name] = r
	}
	return out
}

func modelKeys(models []domain.ModelEntry) map[string]bool {
	out := make(map[string]bool, len(models))
	for _, m := range models {
		key := m.Source
		if m.Checksum != "" {
			key = m.Checksum
		}
		out[key] = true
	}
	return out
}
