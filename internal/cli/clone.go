package cli

import (
	"fmt"
	"os"

	"github.com/nodeforge/enginectl/internal/apierror"
)

// cmdClone copies a VersionSpec to a new version_id. It copies only the
// spec file: locks and workspaces are never copied, since a clone's commits
// must be re-resolved and re-realized under its own version_id.
func (a *App) cmdClone(args []string) error {
	fs := newFlagSet("clone")
	if err := fs.Parse(args); err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "parse clone flags")
	}
	if fs.NArg() != 2 {
		return apierror.New(apierror.KindUsage, "usage: enginectl clone <src_id> <dst_id>")
	}
	srcID, dstID := fs.Arg(0), fs.Arg(1)

	spec, err := a.loadSpec(srcID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(a.specPath(dstID)); err == nil {
		return apierror.New(apierror.KindUsage, fmt.Sprintf("spec for version %q already exists", dstID))
	}

	spec.VersionID = dstID
	if err := a.writeSpec(spec); err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "cloned %s -> %s at %s\n", srcID, dstID, a.specPath(dstID))
	return nil
}
