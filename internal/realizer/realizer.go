// Package realizer implements C6: turning a ResolvedLock into a runnable
// workspace by orchestrating the Git Resolver, Fetcher, content-addressed
// Store, and Environment Builder. Realize covers the sources and models
// phases and skips both when the workspace's .env_marker already matches
// the lock's digest (P2); the marker alone decides this, projections are
// not re-checked. EnvBuild (packages, engine config) is a separate call
// that the marker does not skip.
package realizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/domain"
	"github.com/nodeforge/enginectl/internal/envbuilder"
	"github.com/nodeforge/enginectl/internal/fetcher"
	"github.com/nodeforge/enginectl/internal/pathsafety"
	"github.com/nodeforge/enginectl/internal/resolver"
	"github.com/nodeforge/enginectl/internal/store"
)

// GitResolver is the subset of gitresolver.Resolver the Realizer needs.
type GitResolver interface {
	Resolve(ctx context.Context, repo, ref string) (string, error)
	Materialize(ctx context.Context, repo, commit, dest string) error
}

type Realizer struct {
	git       GitResolver
	fetch     *fetcher.Fetcher
	cache     *store.Store
	logger    *slog.Logger
	workDir   string
	overwrite bool
}

type Config struct {
	WorkspaceDir string
	// Overwrite allows Project to replace a pre-existing non-symlink at a
	// projection target. Defaults to false: a stray file or directory
	// already occupying that path is left alone and an error returned.
	Overwrite bool
}

func New(git GitResolver, fetch *fetcher.Fetcher, cache *store.Store, logger *slog.Logger, cfg Config) *Realizer {
	return &Realizer{git: git, fetch: fetch, cache: cache, logger: logger, workDir: cfg.WorkspaceDir, overwrite: cfg.Overwrite}
}

const markerFile = ".env_marker"

// Status reports what a Realize call did without running it (dry-run
// support for `enginectl realize --dry-run`).
type Status struct {
	UpToDate      bool
	CurrentDigest string
	TargetDigest  string
}

// Check compares the workspace's marker against lock without mutating
// anything.
func (r *Realizer) Check(lock domain.ResolvedLock) (Status, error) {
	marker, ok, err := r.readMarker()
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{TargetDigest: lock.SpecDigest}, nil
	}
	return Status{
		UpToDate:      marker.LockDigest == lock.SpecDigest,
		CurrentDigest: marker.LockDigest,
		TargetDigest:  lock.SpecDigest,
	}, nil
}

// Realize materializes lock into the workspace. It is idempotent: calling
// it twice with the same lock and an unchanged workspace is a fast no-op
// after the first marker check.
func (r *Realizer) Realize(ctx context.Context, lock domain.ResolvedLock) error {
	status, err := r.Check(lock)
	if err != nil {
		return err
	}
	if status.UpToDate {
		r.logger.Info("workspace already realized", "digest", lock.SpecDigest)
		return nil
	}

	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return apierror.Wrap(apierror.KindRealization, err, "create workspace dir")
	}

	if err := r.realizeSource(ctx, lock.EngineSource, filepath.Join(r.workDir, "engine")); err != nil {
		return err
	}
	for _, ext := range lock.Extensions {
		dest := filepath.Join(r.workDir, "custom_nodes", ext.Name)
		if err := r.realizeSource(ctx, ext, dest); err != nil {
			return err
		}
	}

	modelsDir := filepath.Join(r.workDir, "models")
	for _, model := range lock.Models {
		if err := r.realizeModel(ctx, model, modelsDir); err != nil {
			if model.Optional {
				r.logger.Warn("optional model unavailable, continuing", "source", model.Source, "error", err)
				continue
			}
			return err
		}
	}

	if err := r.writeMarker(lock); err != nil {
		return err
	}
	r.logger.Info("workspace realized", "digest", lock.SpecDigest)
	return nil
}

func (r *Realizer) realizeSource(ctx context.Context, ref domain.SourceRef, dest string) error {
	commit := ref.Commit
	if commit == "" {
		resolved, err := r.git.Resolve(ctx, ref.Repo, ref.Ref)
		if err != nil {
			return apierror.Wrap(apierror.KindRealization, err, fmt.Sprintf("resolve %s", ref.Repo))
		}
		commit = resolved
	}

	cachedPath := r.cache.SourcePath(ref.Repo, commit)
	if !r.cache.HasSource(ref.Repo, commit) {
		if err := r.git.Materialize(ctx, ref.Repo, commit, cachedPath); err != nil {
			return apierror.Wrap(apierror.KindRealization, err, fmt.Sprintf("materialize %s@%s", ref.Repo, commit))
		}
	}
	if err := r.cache.Project(cachedPath, dest, r.overwrite); err != nil {
		return apierror.Wrap(apierror.KindRealization, err, fmt.Sprintf("project %s into workspace", ref.Repo))
	}
	return nil
}

func (r *Realizer) realizeModel(ctx context.Context, model domain.ModelEntry, modelsDir string) error {
	destRel := model.TargetPath
	if destRel == "" {
		name := model.Name
		if name == "" {
			name = filepath.Base(model.Source)
		}
		destRel = filepath.Join(model.TargetSubdir, name)
	}
	dest, err := pathsafety.Join(modelsDir, destRel)
	if err != nil {
		return apierror.Wrap(apierror.KindValidation, err, "model target path")
	}

	if model.Checksum != "" {
		cachedPath, err := r.cache.BlobPath(model.Checksum)
		if err != nil {
			return apierror.Wrap(apierror.KindValidation, err, "model checksum")
		}
		has, err := r.cache.HasBlob(model.Checksum)
		if err != nil {
			return err
		}
		if !has {
			if err := r.fetchToCache(ctx, model, cachedPath); err != nil {
				return err
			}
		}
		return r.cache.Project(cachedPath, dest, r.overwrite)
	}

	// No declared checksum: fetch straight to the workspace, uncached,
	// since there is no stable key to cache it under.
	if _, err := r.fetch.Fetch(ctx, model.Source, dest, ""); err != nil {
		return apierror.Wrap(apierror.KindRealization, err, fmt.Sprintf("fetch model %s", model.Source))
	}
	return nil
}

func (r *Realizer) fetchToCache(ctx context.Context, model domain.ModelEntry, cachedPath string) error {
	return r.cache.WithLock(ctx, model.Checksum, func() error {
		has, err := r.cache.HasBlob(model.Checksum)
		if err != nil {
			return err
		}
		if has {
			return nil
		}
		tmpDest := cachedPath + ".incoming"
		result, err := r.fetch.Fetch(ctx, model.Source, tmpDest, model.Checksum)
		if err != nil {
			return apierror.Wrap(apierror.KindRealization, err, fmt.Sprintf("fetch model %s", model.Source))
		}
		if _, err := r.cache.PublishBlob(result.Path, model.Checksum); err != nil {
			return err
		}
		return nil
	})
}

func (r *Realizer) readMarker() (domain.WorkspaceMarker, bool, error) {
	raw, err := os.ReadFile(filepath.Join(r.workDir, markerFile))
	if os.IsNotExist(err) {
		return domain.WorkspaceMarker{}, false, nil
	}
	if err != nil {
		return domain.WorkspaceMarker{}, false, apierror.Wrap(apierror.KindInternal, err, "read workspace marker")
	}
	var marker domain.WorkspaceMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return domain.WorkspaceMarker{}, false, nil
	}
	return marker, true, nil
}

func (r *Realizer) writeMarker(lock domain.ResolvedLock) error {
	marker := domain.WorkspaceMarker{VersionID: lock.VersionID, LockDigest: lock.SpecDigest}
	raw, err := json.Marshal(marker)
	if err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "marshal workspace marker")
	}
	tmp := filepath.Join(r.workDir, markerFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "write workspace marker")
	}
	return os.Rename(tmp, filepath.Join(r.workDir, markerFile))
}

// EnvBuild runs the Environment Builder phase (venv, pip install, model
// paths config) after sources/models have been realized. Packages install
// in three phases, in order: the engine core's own requirements.txt, then
// each extension's requirements.txt in the lock's declared extension order,
// then extra_packages (handled inside InstallPackages).
func (r *Realizer) EnvBuild(ctx context.Context, builder *envbuilder.Builder, modelsDir string, lock domain.ResolvedLock) error {
	interpreter, err := builder.ResolveInterpreter(ctx)
	if err != nil {
		return err
	}
	requirements := []string{filepath.Join(r.workDir, "engine", "requirements.txt")}
	for _, ext := range lock.Extensions {
		requirements = append(requirements, filepath.Join(r.workDir, "custom_nodes", ext.Name, "requirements.txt"))
	}
	if err := builder.InstallPackages(ctx, interpreter, requirements); err != nil {
		return err
	}
	return builder.WriteModelPaths(modelsDir)
}

// SpecDigest re-exports resolver.SpecDigest so callers that only import
// realizer can compute marker-comparable digests.
func SpecDigest(spec domain.VersionSpec) (string, error) {
	return resolver.SpecDigest(spec)
}
