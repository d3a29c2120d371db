// Package gitresolver implements C2: resolving a mutable git ref to an
// immutable commit SHA, and materializing that commit into a working
// directory, by shelling out to the system git binary the way the
// teacher's runtimeexec executors shell out to docker/kubectl.
package gitresolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nodeforge/enginectl/internal/apierror"
)

// Resolver resolves refs and materializes commits using a local git binary.
type Resolver struct {
	gitBin  string
	offline bool
}

func New(gitBin string, offline bool) (*Resolver, error) {
	gitBin = strings.TrimSpace(gitBin)
	if gitBin == "" {
		gitBin = "git"
	}
	if _, err := exec.LookPath(gitBin); err != nil {
		return nil, apierror.Wrap(apierror.KindUsage, err, "git binary not found")
	}
	return &Resolver{gitBin: gitBin, offline: offline}, nil
}

// Resolve turns repo+ref into a concrete 40-character commit SHA. If ref is
// already a full SHA it is returned unchanged without touching the network.
func (r *Resolver) Resolve(ctx context.Context, repo, ref string) (string, error) {
	if isFullSHA(ref) {
		return ref, nil
	}
	if r.offline {
		return "", apierror.New(apierror.KindOfflineUnavailable, fmt.Sprintf("offline mode: cannot resolve ref %q for %s", ref, repo))
	}
	if ref == "" {
		ref = "HEAD"
	}

	cmd := exec.CommandContext(ctx, r.gitBin, "ls-remote", repo, ref)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", apierror.Wrap(apierror.KindNetwork, err, fmt.Sprintf("git ls-remote %s %s: %s", repo, ref, strings.TrimSpace(string(out))))
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", apierror.New(apierror.KindValidation, fmt.Sprintf("ref %q not found in %s", ref, repo))
	}
	fields := strings.Fields(strings.SplitN(line, "\n", 2)[0])
	if len(fields) == 0 || !isFullSHA(fields[0]) {
		return "", apierror.New(apierror.KindValidation, fmt.Sprintf("unexpected ls-remote output for %s %s: %q", repo, ref, line))
	}
	return fields[0], nil
}

// materializedSentinel marks a destination directory as a complete,
// verified checkout of one commit. Its presence lets the Realizer skip
// re-cloning on warm re-runs (P2).
const materializedSentinel = ".materialized"

// Materialize checks out commit from repo into dest. If dest already holds
// a .materialized sentinel for this exact commit, it is left untouched.
func (r *Resolver) Materialize(ctx context.Context, repo, commit, dest string) error {
	if existing, err := os.ReadFile(filepath.Join(dest, materializedSentinel)); err == nil {
		if strings.TrimSpace(string(existing)) == commit {
			return nil
		}
	}
	if r.offline {
		available, err := r.hasLocalCommit(ctx, dest, commit)
		if err != nil || !available {
			return apierror.New(apierror.KindOfflineUnavailable, fmt.Sprintf("offline mode: commit %s not available locally for %s", commit, repo))
		}
		// The commit is already in dest's object database: check it out in
		// place without touching the network.
		if err := r.run(ctx, dest, "checkout", "--quiet", commit); err != nil {
			return apierror.Wrap(apierror.KindOfflineUnavailable, err, fmt.Sprintf("git checkout %s", commit))
		}
		if err := os.WriteFile(filepath.Join(dest, materializedSentinel), []byte(commit+"\n"), 0o644); err != nil {
			return apierror.Wrap(apierror.KindInternal, err, "write materialized sentinel")
		}
		return nil
	}

	if err := os.RemoveAll(dest); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "clear materialize destination")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "create materialize destination")
	}

	if err := r.run(ctx, dest, "init", "--quiet"); err != nil {
		return apierror.Wrap(apierror.KindNetwork, err, "git init")
	}
	if err := r.run(ctx, dest, "remote", "add", "origin", repo); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "git remote add")
	}
	if err := r.run(ctx, dest, "fetch", "--depth", "1", "origin", commit); err != nil {
		if err2 := r.run(ctx, dest, "fetch", "origin"); err2 != nil {
			return apierror.Wrap(apierror.KindNetwork, err2, "git fetch")
		}
	}
	if err := r.run(ctx, dest, "checkout", "--quiet", commit); err != nil {
		return apierror.Wrap(apierror.KindValidation, err, fmt.Sprintf("git checkout %s", commit))
	}

	if err := os.WriteFile(filepath.Join(dest, materializedSentinel), []byte(commit+"\n"), 0o644); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "write materialized sentinel")
	}
	return nil
}

func (r *Resolver) hasLocalCommit(ctx context.Context, dest, commit string) (bool, error) {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		return false, nil
	}
	cmd := exec.CommandContext(ctx, r.gitBin, "-C", dest, "cat-file", "-e", commit)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Resolver) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, r.gitBin, append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func isFullSHA(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
