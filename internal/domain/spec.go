// Package domain holds the wire types shared across the Spec Resolver,
// Realizer, and Job Handler: VersionSpec, ResolvedLock, their source and
// model entries, and the workspace marker. The Job payload/response shapes
// live in internal/handler.
//
// CodeRef-shaped source pinning (repo + optional ref/commit) mirrors the
// teacher's domain.CodeRef{RepoURL,CommitSHA}; the Lock's digest mirrors
// domain.EnvLock{EnvHash}.
package domain

const SchemaVersion = 2

// SourceRef pins a git-hosted source tree: the Engine core itself, or one
// custom-node extension.
type SourceRef struct {
	Name   string `json:"name,omitempty"`
	Repo   string `json:"repo"`
	Ref    string `json:"ref,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// ModelEntry describes one model artifact to fetch into the workspace.
type ModelEntry struct {
	Source        string `json:"source"`
	Name          string `json:"name,omitempty"`
	TargetSubdir  string `json:"target_subdir,omitempty"`
	TargetPath    string `json:"target_path,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	Optional      bool   `json:"optional,omitempty"`
}

// Options toggles optional Spec behavior.
type Options struct {
	Offline     bool `json:"offline,omitempty"`
	SkipModels  bool `json:"skip_models,omitempty"`
}

// VersionSpec is the user-authored, frozen-once-written description of a
// Version (spec.md §3). Edits produce a new file; the system never mutates
// one in place.
type VersionSpec struct {
	SchemaVersion  int               `json:"schema_version"`
	VersionID      string            `json:"version_id"`
	EngineSource   SourceRef         `json:"engine_source"`
	Extensions     []SourceRef       `json:"extensions,omitempty"`
	Models         []ModelEntry      `json:"models,omitempty"`
	ExtraPackages  []string          `json:"extra_packages,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Options        Options           `json:"options,omitempty"`
}

// ResolvedLock is a VersionSpec with every ref replaced by a concrete
// commit, plus resolution bookkeeping (spec.md §3).
type ResolvedLock struct {
	VersionSpec
	ResolvedAt  int64  `json:"resolved_at"`
	SpecDigest  string `json:"spec_digest"`
}

// WorkspaceMarker records what a workspace was last realized from
// (.env_marker in spec.md §3/§6).
type WorkspaceMarker struct {
	VersionID  string `json:"version_id"`
	LockDigest string `json:"lock_digest"`
}
