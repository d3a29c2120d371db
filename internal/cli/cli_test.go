package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/nodeforge/enginectl/internal/config"
	"github.com/nodeforge/enginectl/internal/domain"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	home := t.TempDir()
	cache := t.TempDir()
	var stdout, stderr bytes.Buffer
	app := &App{
		Cfg:    config.Config{EngineHome: home, CacheRoot: cache, ModelsDir: home + "/models"},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Stdout: &stdout,
		Stderr: &stderr,
	}
	return app, &stdout, &stderr
}

func TestCmdCreateWritesSpec(t *testing.T) {
	app, stdout, _ := newTestApp(t)
	err := app.cmdCreate([]string{"v1", "--engine", "https://example.com/engine@main"})
	if err != nil {
		t.Fatalf("cmdCreate() error = %v", err)
	}
	if !strings.Contains(stdout.String(), "wrote spec for v1") {
		t.Fatalf("stdout = %q, want a confirmation message", stdout.String())
	}

	spec, err := app.loadSpec("v1")
	if err != nil {
		t.Fatalf("loadSpec() error = %v", err)
	}
	if spec.EngineSource.Repo != "https://example.com/engine" || spec.EngineSource.Ref != "main" {
		t.Fatalf("unexpected engine source: %+v", spec.EngineSource)
	}
}

func TestCmdCreateRejectsMissingEngineFlag(t *testing.T) {
	app, _, _ := newTestApp(t)
	if err := app.cmdCreate([]string{"v1"}); err == nil {
		t.Fatal("expected an error when --engine is omitted")
	}
}

func TestCmdCreateRefusesDuplicateVersionID(t *testing.T) {
	app, _, _ := newTestApp(t)
	if err := app.cmdCreate([]string{"v1", "--engine", "https://example.com/engine@main"}); err != nil {
		t.Fatalf("first cmdCreate() error = %v", err)
	}
	if err := app.cmdCreate([]string{"v1", "--engine", "https://example.com/engine@main"}); err == nil {
		t.Fatal("expected an error creating a spec for an already-used version_id")
	}
}

func TestCmdCloneCopiesSpecUnderNewVersionID(t *testing.T) {
	app, _, _ := newTestApp(t)
	if err := app.cmdCreate([]string{"v1", "--engine", "https://example.com/engine@main"}); err != nil {
		t.Fatalf("cmdCreate() error = %v", err)
	}
	if err := app.cmdClone([]string{"v1", "v2"}); err != nil {
		t.Fatalf("cmdClone() error = %v", err)
	}
	cloned, err := app.loadSpec("v2")
	if err != nil {
		t.Fatalf("loadSpec(v2) error = %v", err)
	}
	if cloned.VersionID != "v2" {
		t.Fatalf("VersionID = %q, want %q", cloned.VersionID, "v2")
	}
	if cloned.EngineSource.Repo != "https://example.com/engine" {
		t.Fatalf("clone did not carry over engine source: %+v", cloned.EngineSource)
	}
}

func TestCmdCloneRefusesExistingDestination(t *testing.T) {
	app, _, _ := newTestApp(t)
	if err := app.cmdCreate([]string{"v1", "--engine", "https://example.com/engine@main"}); err != nil {
		t.Fatalf("cmdCreate(v1) error = %v", err)
	}
	if err := app.cmdCreate([]string{"v2", "--engine", "https://example.com/engine@main"}); err != nil {
		t.Fatalf("cmdCreate(v2) error = %v", err)
	}
	if err := app.cmdClone([]string{"v1", "v2"}); err == nil {
		t.Fatal("expected an error cloning onto an existing version_id")
	}
}

func TestCmdDeleteRefusesWorkspaceWithoutMarker(t *testing.T) {
	app, _, _ := newTestApp(t)
	workDir := app.workspaceDir("v1")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	if err := app.cmdDelete([]string{"v1"}); err == nil {
		t.Fatal("expected delete to refuse a workspace lacking .env_marker")
	}
	if _, err := os.Stat(workDir); err != nil {
		t.Fatal("workspace should not have been removed")
	}
}

func TestCmdDeleteRemovesRealizedWorkspace(t *testing.T) {
	app, stdout, _ := newTestApp(t)
	workDir := app.workspaceDir("v1")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	if err := os.WriteFile(workDir+"/.env_marker", []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if err := app.cmdDelete([]string{"v1"}); err != nil {
		t.Fatalf("cmdDelete() error = %v", err)
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatal("expected the workspace directory to be removed")
	}
	if !strings.Contains(stdout.String(), "removed workspace") {
		t.Fatalf("stdout = %q, want a removal confirmation", stdout.String())
	}
}

func TestCmdDiffReportsNoDriftForIdenticalDigests(t *testing.T) {
	app, stdout, _ := newTestApp(t)
	lock := domain.ResolvedLock{
		VersionSpec: domain.VersionSpec{VersionID: "v1", EngineSource: domain.SourceRef{Repo: "https://example.com/engine", Commit: "abc"}},
		SpecDigest:  "same-digest",
	}
	lock.VersionID = "v1"
	if err := app.writeLock(lock); err != nil {
		t.Fatalf("writeLock(v1) error = %v", err)
	}
	lock2 := lock
	lock2.VersionID = "v2"
	if err := app.writeLock(lock2); err != nil {
		t.Fatalf("writeLock(v2) error = %v", err)
	}

	if err := app.cmdDiff([]string{"v1", "v2"}); err != nil {
		t.Fatalf("cmdDiff() error = %v", err)
	}
	if !strings.Contains(stdout.String(), "digests match: no drift") {
		t.Fatalf("stdout = %q, want a no-drift report", stdout.String())
	}
}

func TestCmdDiffReportsEngineCommitDrift(t *testing.T) {
	app, stdout, _ := newTestApp(t)
	lockA := domain.ResolvedLock{
		VersionSpec: domain.VersionSpec{VersionID: "v1", EngineSource: domain.SourceRef{Repo: "https://example.com/engine", Commit: "aaa"}},
		SpecDigest:  "digest-a",
	}
	if err := app.writeLock(lockA); err != nil {
		t.Fatalf("writeLock(v1) error = %v", err)
	}
	lockB := domain.ResolvedLock{
		VersionSpec: domain.VersionSpec{VersionID: "v2", EngineSource: domain.SourceRef{Repo: "https://example.com/engine", Commit: "bbb"}},
		SpecDigest:  "digest-b",
	}
	if err := app.writeLock(lockB); err != nil {
		t.Fatalf("writeLock(v2) error = %v", err)
	}

	if err := app.cmdDiff([]string{"v1", "v2"}); err != nil {
		t.Fatalf("cmdDiff() error = %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "engine: aaa -> bbb") {
		t.Fatalf("stdout = %q, want an engine commit drift line", out)
	}
}

func TestCmdDiffRequiresResolvedLocks(t *testing.T) {
	app, _, _ := newTestApp(t)
	if err := app.cmdDiff([]string{"missing-a", "missing-b"}); err == nil {
		t.Fatal("expected an error when neither version has a resolved lock")
	}
}

func TestRunDispatchesUnknownSubcommand(t *testing.T) {
	app, _, stderr := newTestApp(t)
	code := app.Run(context.Background(), []string{"not-a-real-command"})
	if code == 0 {
		t.Fatal("expected a non-zero exit code for an unknown subcommand")
	}
	if !strings.Contains(stderr.String(), "unknown subcommand") {
		t.Fatalf("stderr = %q, want an unknown-subcommand message", stderr.String())
	}
}

func TestRunHelpSucceeds(t *testing.T) {
	app, stdout, _ := newTestApp(t)
	code := app.Run(context.Background(), []string{"help"})
	if code != 0 {
		t.Fatalf("Run(help) code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "usage: enginectl") {
		t.Fatalf("stdout = %q, want usage text", stdout.String())
	}
}
