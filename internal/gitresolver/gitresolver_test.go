package gitresolver

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/nodeforge/enginectl/internal/apierror"
)

func newTestResolver(t *testing.T, offline bool) *Resolver {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available in test environment")
	}
	r, err := New("git", offline)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestIsFullSHA(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"d0c3a10f5d1e2a4b6c8f9e0a1b2c3d4e5f6a7b8c", true},
		{"D0C3A10F5D1E2A4B6C8F9E0A1B2C3D4E5F6A7B8C", false}, // uppercase hex isn't valid git sha
		{"main", false},
		{"", false},
		{"d0c3a1", false}, // too short
	}
	for _, tt := range tests {
		if got := isFullSHA(tt.in); got != tt.want {
			t.Errorf("isFullSHA(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResolveShortCircuitsFullSHA(t *testing.T) {
	r := newTestResolver(t, true)
	sha := "d0c3a10f5d1e2a4b6c8f9e0a1b2c3d4e5f6a7b8c"
	got, err := r.Resolve(context.Background(), "https://example.com/repo.git", sha)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != sha {
		t.Fatalf("Resolve() = %q, want %q (unchanged)", got, sha)
	}
}

func TestResolveOfflineRejectsMutableRef(t *testing.T) {
	r := newTestResolver(t, true)
	_, err := r.Resolve(context.Background(), "https://example.com/repo.git", "main")
	if err == nil {
		t.Fatal("expected offline resolve of a mutable ref to fail")
	}
	if apierror.KindOf(err) != apierror.KindOfflineUnavailable {
		t.Fatalf("KindOf(err) = %q, want %q", apierror.KindOf(err), apierror.KindOfflineUnavailable)
	}
}

func TestMaterializeOfflineWithoutLocalCommitFails(t *testing.T) {
	r := newTestResolver(t, true)
	dest := filepath.Join(t.TempDir(), "checkout")
	err := r.Materialize(context.Background(), "https://example.com/repo.git", "d0c3a10f5d1e2a4b6c8f9e0a1b2c3d4e5f6a7b8c", dest)
	if err == nil {
		t.Fatal("expected offline materialize without a local commit to fail")
	}
	if apierror.KindOf(err) != apierror.KindOfflineUnavailable {
		t.Fatalf("KindOf(err) = %q, want %q", apierror.KindOf(err), apierror.KindOfflineUnavailable)
	}
}
