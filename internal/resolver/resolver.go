// Package resolver implements C4: turning a VersionSpec into a
// ResolvedLock by validating its shape and pinning every mutable ref to a
// concrete commit, deterministically and idempotently.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/domain"
	"github.com/nodeforge/enginectl/internal/specvalidator"
)

// RefResolver is the subset of gitresolver.Resolver the Spec Resolver
// depends on, so tests can substitute a fake without shelling out to git.
type RefResolver interface {
	Resolve(ctx context.Context, repo, ref string) (string, error)
}

type Resolver struct {
	git RefResolver
	now func() int64
}

func New(git RefResolver, now func() int64) *Resolver {
	return &Resolver{git: git, now: now}
}

// Resolve validates spec and pins every SourceRef's commit, returning a
// ResolvedLock. Running it twice on an unchanged spec with an unchanged
// remote produces byte-identical output except for ResolvedAt.
func (r *Resolver) Resolve(ctx context.Context, spec domain.VersionSpec) (domain.ResolvedLock, error) {
	if err := specvalidator.ValidateVersionSpec(spec); err != nil {
		return domain.ResolvedLock{}, apierror.Wrap(apierror.KindValidation, err, "validate version spec")
	}

	resolved := spec

	engineCommit, err := r.resolveRef(ctx, spec.EngineSource)
	if err != nil {
		return domain.ResolvedLock{}, err
	}
	resolved.EngineSource.Commit = engineCommit

	resolved.Extensions = make([]domain.SourceRef, len(spec.Extensions))
	for i, ext := range spec.Extensions {
		commit, err := r.resolveRef(ctx, ext)
		if err != nil {
			return domain.ResolvedLock{}, err
		}
		ext.Commit = commit
		resolved.Extensions[i] = ext
	}

	digest, err := SpecDigest(resolved)
	if err != nil {
		return domain.ResolvedLock{}, apierror.Wrap(apierror.KindInternal, err, "digest resolved spec")
	}

	return domain.ResolvedLock{
		VersionSpec: resolved,
		ResolvedAt:  r.now(),
		SpecDigest:  digest,
	}, nil
}

func (r *Resolver) resolveRef(ctx context.Context, ref domain.SourceRef) (string, error) {
	if ref.Commit != "" {
		return ref.Commit, nil
	}
	commit, err := r.git.Resolve(ctx, ref.Repo, ref.Ref)
	if err != nil {
		return "", err
	}
	return commit, nil
}

// SpecDigest computes a stable content hash of a resolved VersionSpec,
// suitable for comparison against a workspace's .env_marker (P2: if the
// digest is unchanged, the Realizer can skip re-realizing).
func SpecDigest(spec domain.VersionSpec) (string, error) {
	canon, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("sha256:%s", hex.EncodeToString(sum[:])), nil
}
