package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/domain"
	"github.com/nodeforge/enginectl/internal/fetcher"
	"github.com/nodeforge/enginectl/internal/platform/objectstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanupStagedInputsRemovesOnlyOwnRequestFiles(t *testing.T) {
	inputDir := t.TempDir()
	mustWrite := func(name string) {
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %q: %v", name, err)
		}
	}
	mustWrite("req-1_abcd_input.png")
	mustWrite("req-2_efgh_input.png")

	cleanupStagedInputs(inputDir, "req-1", testLogger())

	if _, err := os.Stat(filepath.Join(inputDir, "req-1_abcd_input.png")); !os.IsNotExist(err) {
		t.Fatal("expected req-1's staged file to be removed")
	}
	if _, err := os.Stat(filepath.Join(inputDir, "req-2_efgh_input.png")); err != nil {
		t.Fatal("expected req-2's staged file to survive req-1's cleanup")
	}
}

func sourceFileURL(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.png")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return "file://" + path
}

func TestStageInputsMergesMapAndListFormsAndRewritesGraph(t *testing.T) {
	h := New(Dependencies{Fetcher: fetcher.New(fetcher.Config{})})
	workspaceDir := t.TempDir()
	workflow := map[string]any{
		"1": map[string]any{
			"class_type": "LoadImage",
			"inputs":     map[string]any{"image": "placeholder.png"},
		},
		"2": map[string]any{
			"class_type": "LoadImageMask",
			"inputs":     map[string]any{"image": "mask.png"},
		},
	}
	payload := JobPayload{
		InputImages: map[string]string{"placeholder.png": sourceFileURL(t, "pixels")},
		Images:      []ImageInput{{Name: "mask.png", Image: sourceFileURL(t, "mask-bytes")}},
	}

	if err := h.stageInputs(context.Background(), workspaceDir, "req1", workflow, payload); err != nil {
		t.Fatalf("stageInputs() error = %v", err)
	}

	imageField := workflow["1"].(map[string]any)["inputs"].(map[string]any)["image"].(string)
	maskField := workflow["2"].(map[string]any)["inputs"].(map[string]any)["image"].(string)
	if imageField == "placeholder.png" || maskField == "mask.png" {
		t.Fatalf("expected both fields rewritten to staged names, got image=%q mask=%q", imageField, maskField)
	}

	data, err := os.ReadFile(filepath.Join(workspaceDir, "input", imageField))
	if err != nil {
		t.Fatalf("read staged input: %v", err)
	}
	if string(data) != "pixels" {
		t.Fatalf("staged content = %q, want %q", data, "pixels")
	}
}

func TestStageInputsRejectsUnreachableSource(t *testing.T) {
	h := New(Dependencies{Fetcher: fetcher.New(fetcher.Config{})})
	workflow := map[string]any{"1": map[string]any{"class_type": "LoadImage", "inputs": map[string]any{"image": "x"}}}
	payload := JobPayload{InputImages: map[string]string{"x": "file:///does/not/exist.png"}}

	err := h.stageInputs(context.Background(), t.TempDir(), "req1", workflow, payload)
	if err == nil {
		t.Fatal("expected an error for an unfetchable input source")
	}
}

func TestCollectArtifactsReadsOutputFiles(t *testing.T) {
	jobDir := t.TempDir()
	outputDir := filepath.Join(jobDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatalf("mkdir output dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "result.png"), []byte("image-bytes"), 0o644); err != nil {
		t.Fatalf("write output file: %v", err)
	}

	outputs := []map[string]any{
		{"9": map[string]any{"images": []any{map[string]any{"filename": "result.png"}}}},
	}

	files, err := collectArtifacts(jobDir, outputs)
	if err != nil {
		t.Fatalf("collectArtifacts() error = %v", err)
	}
	if len(files) != 1 || files[0].Filename != "result.png" {
		t.Fatalf("files = %+v, want one entry named result.png", files)
	}
	if string(files[0].Data) != "image-bytes" {
		t.Fatalf("file data = %q, want %q", files[0].Data, "image-bytes")
	}
}

func TestCollectArtifactsErrorsWhenNoImagesProduced(t *testing.T) {
	_, err := collectArtifacts(t.TempDir(), []map[string]any{})
	if apierror.KindOf(err) != apierror.KindEngineExec {
		t.Fatalf("KindOf(err) = %q, want %q", apierror.KindOf(err), apierror.KindEngineExec)
	}
}

type fakeObjectStore struct {
	puts map[string][]byte
}

func (f *fakeObjectStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(body); err != nil {
		return err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[bucket+"/"+key] = buf.Bytes()
	return nil
}

func (f *fakeObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	return nil, objectstore.ObjectInfo{}, nil
}

func (f *fakeObjectStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	return objectstore.ObjectInfo{}, nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, bucket, key string) error { return nil }

func (f *fakeObjectStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://example.com/" + bucket + "/" + key, nil
}

func TestDeliverBase64Mode(t *testing.T) {
	h := New(Dependencies{DefaultMode: "base64"})
	files := []artifactFile{{Filename: "a.png", Data: []byte("abc"), SHA256: "x"}}

	out, err := h.deliver(context.Background(), JobPayload{}, "req-1", files)
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	if len(out) != 1 || out[0].Base64 != base64.StdEncoding.EncodeToString([]byte("abc")) {
		t.Fatalf("unexpected delivery result: %+v", out)
	}
}

func TestDeliverObjectMode(t *testing.T) {
	store := &fakeObjectStore{}
	h := New(Dependencies{ObjectStore: store, DefaultBucket: "outputs", DefaultPrefix: "jobs"})
	files := []artifactFile{{Filename: "a.png", Data: []byte("abc"), SHA256: "x"}}

	out, err := h.deliver(context.Background(), JobPayload{OutputMode: "object"}, "req-1", files)
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	if len(out) != 1 || out[0].ObjectKey == "" || out[0].URL == "" {
		t.Fatalf("unexpected delivery result: %+v", out)
	}
	if _, ok := store.puts["outputs/"+out[0].ObjectKey]; !ok {
		t.Fatalf("expected the artifact to be Put into the fake object store, puts = %+v", store.puts)
	}
}

func TestDeliverObjectModeRequiresObjectStore(t *testing.T) {
	h := New(Dependencies{})
	files := []artifactFile{{Filename: "a.png", Data: []byte("abc"), SHA256: "x"}}

	_, err := h.deliver(context.Background(), JobPayload{OutputMode: "object"}, "req-1", files)
	if apierror.KindOf(err) != apierror.KindUpload {
		t.Fatalf("KindOf(err) = %q, want %q", apierror.KindOf(err), apierror.KindUpload)
	}
}

func TestLoadSpecUsesInlineVersionSpec(t *testing.T) {
	h := New(Dependencies{})
	spec := domain.VersionSpec{VersionID: "v1"}
	got, err := h.loadSpec(JobPayload{VersionSpec: &spec})
	if err != nil {
		t.Fatalf("loadSpec() error = %v", err)
	}
	if got.VersionID != "v1" {
		t.Fatalf("VersionID = %q, want %q", got.VersionID, "v1")
	}
}

func TestLoadSpecRejectsMissingVersionIDAndSpec(t *testing.T) {
	h := New(Dependencies{})
	_, err := h.loadSpec(JobPayload{})
	if apierror.KindOf(err) != apierror.KindUsage {
		t.Fatalf("KindOf(err) = %q, want %q", apierror.KindOf(err), apierror.KindUsage)
	}
}

func TestLoadSpecResolvesVersionIDAgainstSpecsDir(t *testing.T) {
	specsDir := t.TempDir()
	spec := domain.VersionSpec{SchemaVersion: domain.SchemaVersion, VersionID: "v1"}
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.WriteFile(filepath.Join(specsDir, "v1.json"), raw, 0o644); err != nil {
		t.Fatalf("write spec file: %v", err)
	}

	h := New(Dependencies{SpecsDir: specsDir})
	got, err := h.loadSpec(JobPayload{VersionID: "v1"})
	if err != nil {
		t.Fatalf("loadSpec() error = %v", err)
	}
	if got.VersionID != "v1" {
		t.Fatalf("VersionID = %q, want %q", got.VersionID, "v1")
	}
}

func TestLoadSpecErrorsWhenVersionIDHasNoSpecStore(t *testing.T) {
	h := New(Dependencies{})
	_, err := h.loadSpec(JobPayload{VersionID: "v1"})
	if apierror.KindOf(err) != apierror.KindUsage {
		t.Fatalf("KindOf(err) = %q, want %q", apierror.KindOf(err), apierror.KindUsage)
	}
}

func TestLoadSpecErrorsWhenSpecFileMissing(t *testing.T) {
	h := New(Dependencies{SpecsDir: t.TempDir()})
	_, err := h.loadSpec(JobPayload{VersionID: "does-not-exist"})
	if apierror.KindOf(err) != apierror.KindUsage {
		t.Fatalf("KindOf(err) = %q, want %q", apierror.KindOf(err), apierror.KindUsage)
	}
}

func TestLoadWorkflowRequiresWorkflowOrURL(t *testing.T) {
	h := New(Dependencies{})
	_, err := h.loadWorkflow(context.Background(), JobPayload{})
	if apierror.KindOf(err) != apierror.KindUsage {
		t.Fatalf("KindOf(err) = %q, want %q", apierror.KindOf(err), apierror.KindUsage)
	}
}
