package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/fetcher"
	"github.com/nodeforge/enginectl/internal/handler"
	"github.com/nodeforge/enginectl/internal/platform/objectstore"
)

// cmdRunHandler realizes a version and runs a single job through it
// headlessly, the non-serverless equivalent of POSTing to enginehandler's
// /run endpoint, for local testing of a Version without standing up a
// server.
func (a *App) cmdRunHandler(ctx context.Context, args []string) error {
	fs := newFlagSet("run-handler")
	workflowPath := fs.String("workflow", "", "path to a workflow graph JSON file")
	output := fs.String("output", a.Cfg.OutputMode, "output delivery mode: base64 | object")
	outFile := fs.String("out-file", "", "write the JobResponse JSON here instead of stdout")
	if err := fs.Parse(flagsFirst(args)); err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "parse run-handler flags")
	}
	if fs.NArg() != 1 {
		return apierror.New(apierror.KindUsage, "usage: enginectl run-handler <version_id> --workflow FILE [--output base64|object]")
	}
	if *workflowPath == "" {
		return apierror.New(apierror.KindUsage, "--workflow is required")
	}
	versionID := fs.Arg(0)

	spec, err := a.loadSpec(versionID)
	if err != nil {
		return err
	}

	workflowRaw, err := os.ReadFile(*workflowPath)
	if err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "read workflow file")
	}
	var workflow map[string]any
	if err := json.Unmarshal(workflowRaw, &workflow); err != nil {
		return apierror.Wrap(apierror.KindValidation, err, "parse workflow file")
	}

	git, err := a.newGitResolver()
	if err != nil {
		return err
	}
	rslv := a.newResolver(git)
	cache, err := a.newStore()
	if err != nil {
		return err
	}
	fetch := a.newFetcher(fetcher.Config{
		Offline:     a.Cfg.Offline,
		HubToken:    a.Cfg.HubToken,
		MarketToken: a.Cfg.MarketToken,
	})

	var objStore objectstore.Store
	if *output == "object" {
		objStore, err = objectstore.NewMinioStore(a.Cfg.ObjectStore)
		if err != nil {
			return apierror.Wrap(apierror.KindInternal, err, "construct object store client")
		}
	}

	h := handler.New(handler.Dependencies{
		Logger:        a.Logger,
		Git:           git,
		Resolver:      rslv,
		Fetcher:       fetch,
		Cache:         cache,
		WorkspaceRoot: a.Cfg.EngineHome + "/workspaces",
		SpecsDir:      a.specsDir(),
		ModelsDir:     a.Cfg.ModelsDir,
		EngineHost:    "127.0.0.1",
		EnginePort:    8188,
		ReadyTimeout:  a.Cfg.EngineReadyTimeout,
		UseSystemPy:   a.Cfg.EngineUseSystemPy,
		ObjectStore:   objStore,
		DefaultBucket: a.Cfg.ObjectStore.Bucket,
		DefaultPrefix: "outputs",
		DefaultMode:   a.Cfg.OutputMode,
	})

	resp, err := h.Handle(ctx, handler.JobPayload{
		VersionID:   versionID,
		VersionSpec: &spec,
		Workflow:    workflow,
		OutputMode:  *output,
	})
	if err != nil {
		return err
	}

	respRaw, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "marshal job response")
	}
	if *outFile != "" {
		return os.WriteFile(*outFile, respRaw, 0o644)
	}
	fmt.Fprintln(a.Stdout, string(respRaw))
	return nil
}
