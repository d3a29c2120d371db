package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/domain"
)

func (a *App) specsDir() string {
	return filepath.Join(a.Cfg.EngineHome, "specs")
}

func (a *App) specPath(versionID string) string {
	return filepath.Join(a.specsDir(), versionID+".json")
}

func (a *App) locksDir() string {
	return filepath.Join(a.Cfg.CacheRoot, "resolved")
}

func (a *App) lockPath(versionID string) string {
	return filepath.Join(a.locksDir(), versionID+".lock")
}

func (a *App) workspaceDir(versionID string) string {
	return filepath.Join(a.Cfg.EngineHome, "workspaces", versionID)
}

// loadSpec reads a VersionSpec written by `create`. Specs are frozen once
// written; this is the only read path, never a read-modify-write.
func (a *App) loadSpec(versionID string) (domain.VersionSpec, error) {
	raw, err := os.ReadFile(a.specPath(versionID))
	if os.IsNotExist(err) {
		return domain.VersionSpec{}, apierror.New(apierror.KindUsage, fmt.Sprintf("no spec found for version %q; run `create` first", versionID))
	}
	if err != nil {
		return domain.VersionSpec{}, apierror.Wrap(apierror.KindInternal, err, "read spec file")
	}
	var spec domain.VersionSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return domain.VersionSpec{}, apierror.Wrap(apierror.KindValidation, err, "parse spec file")
	}
	return spec, nil
}

// writeSpec writes a new spec file. It refuses to overwrite an existing
// one, since specs are frozen once written (edits produce a new version_id).
func (a *App) writeSpec(spec domain.VersionSpec) error {
	if err := os.MkdirAll(a.specsDir(), 0o755); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "create specs dir")
	}
	path := a.specPath(spec.VersionID)
	if _, err := os.Stat(path); err == nil {
		return apierror.New(apierror.KindUsage, fmt.Sprintf("spec for version %q already exists at %s", spec.VersionID, path))
	}
	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "marshal spec")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "write spec file")
	}
	return os.Rename(tmp, path)
}

func (a *App) loadLock(versionID string) (domain.ResolvedLock, bool, error) {
	raw, err := os.ReadFile(a.lockPath(versionID))
	if os.IsNotExist(err) {
		return domain.ResolvedLock{}, false, nil
	}
	if err != nil {
		return domain.ResolvedLock{}, false, apierror.Wrap(apierror.KindInternal, err, "read lock file")
	}
	var lock domain.ResolvedLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return domain.ResolvedLock{}, false, apierror.Wrap(apierror.KindValidation, err, "parse lock file")
	}
	return lock, true, nil
}

// writeLock persists a ResolvedLock atomically: readers always see either
// the previous file or the new one, never a partial write.
func (a *App) writeLock(lock domain.ResolvedLock) error {
	if err := os.MkdirAll(a.locksDir(), 0o755); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "create locks dir")
	}
	raw, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "marshal lock")
	}
	path := a.lockPath(lock.VersionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "write lock file")
	}
	return os.Rename(tmp, path)
}
