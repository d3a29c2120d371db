// Package handler implements C8: the serverless Job Handler entrypoint.
// One JobPayload names a version, a workflow graph, and an output mode; the
// handler walks it through received -> realizing -> staging -> executing
// -> uploading -> done, any step failing with its own apierror.Kind, and
// always runs cleanup scoped to the job's own request id prefix.
//
// Grounded on handler() in the RunPod worker this replaces: version_id +
// workflow/workflow_url input, output_mode/bucket/prefix fields, and on
// artifacts.Store's digest-then-upload pattern for the Uploader.
package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/domain"
	"github.com/nodeforge/enginectl/internal/engineproc"
	"github.com/nodeforge/enginectl/internal/envbuilder"
	"github.com/nodeforge/enginectl/internal/fetcher"
	"github.com/nodeforge/enginectl/internal/gitresolver"
	"github.com/nodeforge/enginectl/internal/graphrewrite"
	"github.com/nodeforge/enginectl/internal/platform/objectstore"
	"github.com/nodeforge/enginectl/internal/platform/retry"
	"github.com/nodeforge/enginectl/internal/realizer"
	"github.com/nodeforge/enginectl/internal/resolver"
	"github.com/nodeforge/enginectl/internal/store"
)

// Stage names the job's current position in its state machine.
type Stage string

const (
	StageReceived  Stage = "received"
	StageRealizing Stage = "realizing"
	StageStaging   Stage = "staging"
	StageExecuting Stage = "executing"
	StageUploading Stage = "uploading"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

// JobPayload is the input the Job Handler accepts, whether delivered over
// HTTP POST /run or piped in on stdin.
type JobPayload struct {
	VersionID    string              `json:"version_id"`
	VersionSpec  *domain.VersionSpec `json:"version_spec,omitempty"`
	Workflow     map[string]any      `json:"workflow,omitempty"`
	WorkflowURL  string              `json:"workflow_url,omitempty"`
	InputImages  map[string]string   `json:"input_images,omitempty"`
	Images       []ImageInput        `json:"images,omitempty"`
	OutputMode   string              `json:"output_mode,omitempty"`
	ObjectBucket string              `json:"object_bucket,omitempty"`
	ObjectPrefix string              `json:"object_prefix,omitempty"`
	ModelsDir    string              `json:"models_dir,omitempty"`
	Verbose      bool                `json:"verbose,omitempty"`
}

// ImageInput names one request-supplied input in list form: a logical name
// referenced inside the graph, and the URL the Fetcher retrieves it from.
type ImageInput struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// stagedInputs merges a payload's map-form input_images and list-form
// images into one logical-name -> source-URL set. Both forms may appear;
// when the same logical name appears in both, the list form wins, since
// it is processed second.
func stagedInputs(payload JobPayload) map[string]string {
	merged := make(map[string]string, len(payload.InputImages)+len(payload.Images))
	for name, url := range payload.InputImages {
		merged[name] = url
	}
	for _, img := range payload.Images {
		merged[img.Name] = img.Image
	}
	return merged
}

// JobResponse is the terminal, successful result returned to the caller.
type JobResponse struct {
	RequestID string           `json:"request_id"`
	Stage     Stage            `json:"stage"`
	Outputs   []OutputArtifact `json:"outputs"`
}

// OutputArtifact describes one delivered result file.
type OutputArtifact struct {
	Filename string `json:"filename"`
	SHA256   string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Base64   string `json:"base64,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Dependencies bundles every component the Job Handler orchestrates.
type Dependencies struct {
	Logger        *slog.Logger
	Git           *gitresolver.Resolver
	Resolver      *resolver.Resolver
	Fetcher       *fetcher.Fetcher
	Cache         *store.Store
	WorkspaceRoot string // parent dir; each version_id gets its own subdirectory, shared by that version's jobs
	SpecsDir      string // where `create` persisted VersionSpec files, for version_id lookups
	ModelsDir     string
	EngineHost    string
	EnginePort    int
	ReadyTimeout  time.Duration
	UseSystemPy   bool
	ObjectStore   objectstore.Store
	DefaultBucket string
	DefaultPrefix string
	DefaultMode   string // "base64" | "object"
}

// Handler processes one job at a time (the caller is responsible for
// concurrency, e.g. one Handler per in-flight HTTP request).
type Handler struct {
	deps Dependencies
}

func New(deps Dependencies) *Handler {
	return &Handler{deps: deps}
}

func newWorkspaceRealizer(deps Dependencies, workspaceDir string, logger *slog.Logger) *realizer.Realizer {
	return realizer.New(deps.Git, deps.Fetcher, deps.Cache, logger, realizer.Config{WorkspaceDir: workspaceDir})
}

// Handle runs a payload through every stage. Unlike the workspace itself
// (which persists across jobs for the same version, per Realize's
// idempotence), cleanup removes only the input files this request staged,
// identified by their request_id prefix.
func (h *Handler) Handle(ctx context.Context, payload JobPayload) (JobResponse, error) {
	requestID := uuid.NewString()
	logger := h.deps.Logger.With("request_id", requestID)
	versionID := payload.VersionID
	if versionID == "" {
		versionID = "inline"
	}
	workspaceDir := filepath.Join(h.deps.WorkspaceRoot, versionID)
	inputDir := filepath.Join(workspaceDir, "input")

	defer cleanupStagedInputs(inputDir, requestID, logger)

	resp, err := h.run(ctx, logger, requestID, workspaceDir, payload)
	if err != nil {
		logger.Error("job failed", "stage", resp.Stage, "kind", apierror.KindOf(err), "error", err)
		return resp, err
	}
	logger.Info("job completed", "outputs", len(resp.Outputs))
	return resp, nil
}

func cleanupStagedInputs(inputDir, requestID string, logger *slog.Logger) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return
	}
	prefix := requestID + "_"
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(inputDir, entry.Name())); err != nil {
			logger.Warn("failed to clean up staged input", "file", entry.Name(), "error", err)
		}
	}
}

func (h *Handler) run(ctx context.Context, logger *slog.Logger, requestID, workspaceDir string, payload JobPayload) (JobResponse, error) {
	resp := JobResponse{RequestID: requestID, Stage: StageReceived}

	spec, err := h.loadSpec(payload)
	if err != nil {
		return resp, err
	}

	workflow, err := h.loadWorkflow(ctx, payload)
	if err != nil {
		return resp, err
	}

	resp.Stage = StageRealizing
	lock, err := h.deps.Resolver.Resolve(ctx, spec)
	if err != nil {
		return resp, err
	}

	rz := newWorkspaceRealizer(h.deps, workspaceDir, logger)
	if err := rz.Realize(ctx, lock); err != nil {
		return resp, err
	}

	modelsDir := h.deps.ModelsDir
	if payload.ModelsDir != "" {
		modelsDir = payload.ModelsDir
	}

	builder := envbuilder.New(envbuilder.Config{
		WorkspaceDir:  workspaceDir,
		UseSystemPy:   h.deps.UseSystemPy,
		ExtraPackages: spec.ExtraPackages,
	})
	if err := rz.EnvBuild(ctx, builder, modelsDir, lock); err != nil {
		return resp, err
	}

	resp.Stage = StageStaging
	if err := h.stageInputs(ctx, workspaceDir, requestID, workflow, payload); err != nil {
		return resp, err
	}

	resp.Stage = StageExecuting
	interpreter, err := builder.ResolveInterpreter(ctx)
	if err != nil {
		return resp, err
	}
	proc := engineproc.New(engineproc.Config{
		WorkspaceDir: workspaceDir,
		Interpreter:  interpreter,
		Host:         h.deps.EngineHost,
		Port:         h.deps.EnginePort,
		ReadyTimeout: h.deps.ReadyTimeout,
	}, logger)

	if err := proc.Start(ctx); err != nil {
		return resp, err
	}
	defer func() { _ = proc.Stop(10 * time.Second) }()

	if err := proc.WaitReady(ctx); err != nil {
		return resp, err
	}
	promptID, err := proc.Submit(ctx, workflow, "enginectl-"+requestID)
	if err != nil {
		return resp, err
	}
	outputs, err := proc.WaitComplete(ctx, promptID)
	if err != nil {
		return resp, err
	}

	resp.Stage = StageUploading
	artifacts, err := collectArtifacts(workspaceDir, outputs)
	if err != nil {
		return resp, err
	}

	delivered, err := h.deliver(ctx, payload, requestID, artifacts)
	if err != nil {
		return resp, err
	}

	resp.Stage = StageDone
	resp.Outputs = delivered
	return resp, nil
}

// loadSpec resolves the VersionSpec to realize. An inline version_spec is
// an override/fast-path; the ordinary path is resolving version_id against
// the same specs directory `create`/`validate` write into, the same way
// internal/cli's loadSpec does.
func (h *Handler) loadSpec(payload JobPayload) (domain.VersionSpec, error) {
	if payload.VersionSpec != nil {
		return *payload.VersionSpec, nil
	}
	versionID := strings.TrimSpace(payload.VersionID)
	if versionID == "" {
		return domain.VersionSpec{}, apierror.New(apierror.KindUsage, "version_id or version_spec is required")
	}
	if strings.TrimSpace(h.deps.SpecsDir) == "" {
		return domain.VersionSpec{}, apierror.New(apierror.KindUsage, fmt.Sprintf("no spec store configured to resolve version_id %q; pass version_spec inline", versionID))
	}

	path := filepath.Join(h.deps.SpecsDir, versionID+".json")
	raw, err := os.ReadFile(path)
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

func (h *Handler) loadWorkflow(ctx context.Context, payload JobPayload) (map[string]any, error) {
	if payload.Workflow != nil {
		return payload.Workflow, nil
	}
	if payload.WorkflowURL != "" {
		req, err := fetchJSON(ctx, payload.WorkflowURL)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindNetwork, err, "fetch workflow_url")
		}
		return req, nil
	}
	return nil, apierror.New(apierror.KindUsage, "workflow or workflow_url must be provided")
}

// stageInputs fetches every entry of the payload's merged input_images/
// images set via the Fetcher into <workspace>/input/<request_id>_<rand8>_
// <original_name>, then rewrites the workflow so any LoadImage/
// LoadImageMask/LoadVideo node referencing a staged logical name now
// points at the materialized file.
func (h *Handler) stageInputs(ctx context.Context, workspaceDir, requestID string, workflow map[string]any, payload JobPayload) error {
	inputs := stagedInputs(payload)
	if len(inputs) == 0 {
		_, err := graphrewrite.Detect(workflow)
		if err != nil {
			return apierror.Wrap(apierror.KindValidation, err, "detect graph shape")
		}
		return nil
	}

	inputDir := filepath.Join(workspaceDir, "input")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return apierror.Wrap(apierror.KindValidation, err, "create input dir")
	}

	staged := make(map[string]string, len(inputs))
	for name, url := range inputs {
		token := uuid.NewString()[:8]
		stagedName := fmt.Sprintf("%s_%s_%s", requestID, token, filepath.Base(name))
		dest := filepath.Join(inputDir, stagedName)
		if _, err := h.deps.Fetcher.Fetch(ctx, url, dest, ""); err != nil {
			return err
		}
		staged[name] = stagedName
	}

	if err := graphrewrite.Rewrite(workflow, staged); err != nil {
		return apierror.Wrap(apierror.KindValidation, err, "rewrite workflow graph")
	}
	return nil
}

func collectArtifacts(jobDir string, outputs []map[string]any) ([]artifactFile, error) {
	outputDir := filepath.Join(jobDir, "output")
	var files []artifactFile
	for _, output := range outputs {
		for _, raw := range output {
			node, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			images, ok := node["images"].([]any)
			if !ok {
				continue
			}
			for _, rawImg := range images {
				img, ok := rawImg.(map[string]any)
				if !ok {
					continue
				}
				filename, _ := img["filename"].(string)
				if filename == "" {
					continue
				}
				path := filepath.Join(outputDir, filename)
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				sum := sha256.Sum256(data)
				files = append(files, artifactFile{
					Filename: filename,
					Data:     data,
					SHA256:   hex.EncodeToString(sum[:]),
				})
			}
		}
	}
	if len(files) == 0 {
		return nil, apierror.New(apierror.KindEngineExec, "workflow completed but produced no image outputs")
	}
	return files, nil
}

type artifactFile struct {
	Filename string
	Data     []byte
	SHA256   string
}

func (h *Handler) deliver(ctx context.Context, payload JobPayload, requestID string, files []artifactFile) ([]OutputArtifact, error) {
	mode := payload.OutputMode
	if mode == "" {
		mode = h.deps.DefaultMode
	}

	out := make([]OutputArtifact, 0, len(files))
	for _, f := range files {
		art := OutputArtifact{Filename: f.Filename, SHA256: f.SHA256, SizeBytes: int64(len(f.Data))}

		switch mode {
		case "object":
			if h.deps.ObjectStore == nil {
				return nil, apierror.New(apierror.KindUpload, "output_mode=object requires an object store")
			}
			bucket := payload.ObjectBucket
			if bucket == "" {
				bucket = h.deps.DefaultBucket
			}
			prefix := payload.ObjectPrefix
			if prefix == "" {
				prefix = h.deps.DefaultPrefix
			}
			key := fmt.Sprintf("%s/%s_%s-%s%s", strings.Trim(prefix, "/"), requestID, time.Now().UTC().Format("20060102T150405Z"), uuid.NewString(), filepath.Ext(f.Filename))
			err := retry.Do(ctx, retry.DefaultPolicy(), func(int) error {
				return retry.Transient(h.deps.ObjectStore.Put(ctx, bucket, key, bytes.NewReader(f.Data), int64(len(f.Data)), "application/octet-stream"))
			})
			if err != nil {
				return nil, apierror.Wrap(apierror.KindUpload, err, "upload artifact")
			}
			url, err := h.deps.ObjectStore.PresignGet(ctx, bucket, key, time.Hour)
			if err != nil {
				return nil, apierror.Wrap(apierror.KindUpload, err, "presign artifact url")
			}
			art.ObjectKey = key
			art.URL = url
		default:
			art.Base64 = base64Encode(f.Data)
		}
		out = append(out, art)
	}
	return out, nil
}

func fetchJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: http %d", url, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
