package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodeforge/enginectl/internal/apierror"
)

// cmdDelete removes a version's workspace and resolved lock. As a safety
// check against deleting an unrelated directory (e.g. a mistyped --target
// from `realize`), it refuses to remove a workspace that has no
// .env_marker, since that marker is the only proof the directory was ever
// actually realized by this tool.
func (a *App) cmdDelete(args []string) error {
	fs := newFlagSet("delete")
	removeSpec := fs.Bool("remove-spec", false, "also delete the version's spec file")
	if err := fs.Parse(flagsFirst(args)); err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "parse delete flags")
	}
	if fs.NArg() != 1 {
		return apierror.New(apierror.KindUsage, "usage: enginectl delete <version_id> [--remove-spec]")
	}
	versionID := fs.Arg(0)

	workspaceDir := a.workspaceDir(versionID)
	if _, err := os.Stat(workspaceDir); err == nil {
		marker := filepath.Join(workspaceDir, ".env_marker")
		if _, err := os.Stat(marker); err != nil {
			return apierror.New(apierror.KindUsage, fmt.Sprintf("refusing to delete %s: no .env_marker found, this does not look like a realized workspace", workspaceDir))
		}
		if err := os.RemoveAll(workspaceDir); err != nil {
			return apierror.Wrap(apierror.KindInternal, err, "remove workspace")
		}
		fmt.Fprintf(a.Stdout, "removed workspace %s\n", workspaceDir)
	}

	lockPath := a.lockPath(versionID)
	if _, err := os.Stat(lockPath); err == nil {
		if err := os.Remove(lockPath); err != nil {
			return apierror.Wrap(apierror.KindInternal, err, "remove lock file")
		}
		fmt.Fprintf(a.Stdout, "removed lock %s\n", lockPath)
	}

	if *removeSpec {
		specPath := a.specPath(versionID)
		if err := os.Remove(specPath); err != nil && !os.IsNotExist(err) {
			return apierror.Wrap(apierror.KindInternal, err, "remove spec file")
		}
		fmt.Fprintf(a.Stdout, "removed spec %s\n", specPath)
	}
	return nil
}
