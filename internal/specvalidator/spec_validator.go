package specvalidator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nodeforge/enginectl/internal/domain"
	"github.com/nodeforge/enginectl/internal/pathsafety"
)

var versionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

var checksumPattern = regexp.MustCompile(`^[a-z0-9]+:[0-9a-f]+$`)

// ValidateVersionSpec performs strict structural validation of a
// VersionSpec before it is handed to the Spec Resolver.
func ValidateVersionSpec(spec domain.VersionSpec) error {
	issues := &ValidationError{}

	if spec.SchemaVersion != domain.SchemaVersion {
		issues.Add(fmt.Sprintf("schema_version %d is unsupported, expected %d", spec.SchemaVersion, domain.SchemaVersion))
	}

	if strings.TrimSpace(spec.VersionID) == "" {
		issues.Add("version_id is required")
	} else if !versionIDPattern.MatchString(spec.VersionID) {
		issues.Add(fmt.Sprintf("version_id %q must match %s", spec.VersionID, versionIDPattern.String()))
	}

	validateSourceRef(issues, "engine_source", spec.EngineSource)
	if strings.TrimSpace(spec.EngineSource.Repo) == "" {
		issues.Add("engine_source.repo is required")
	}

	extNames := make(map[string]struct{}, len(spec.Extensions))
	for i, ext := range spec.Extensions {
		label := fmt.Sprintf("extensions[%d]", i)
		validateSourceRef(issues, label, ext)
		name := strings.TrimSpace(ext.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("%s.name is required", label))
			continue
		}
		if _, exists := extNames[name]; exists {
			issues.Add(fmt.Sprintf("duplicate extension name %q", name))
		}
		extNames[name] = struct{}{}
	}

	for i, model := range spec.Models {
		label := fmt.Sprintf("models[%d]", i)
		if strings.TrimSpace(model.Source) == "" {
			issues.Add(fmt.Sprintf("%s.source is required", label))
		}
		if model.TargetPath != "" && model.TargetSubdir != "" {
			issues.Add(fmt.Sprintf("%s specifies both target_path and target_subdir", label))
		}
		if model.TargetPath == "" && model.TargetSubdir == "" {
			issues.Add(fmt.Sprintf("%s must set either target_path or target_subdir", label))
		}
		if err := pathsafety.CheckRelative(model.TargetPath); err != nil {
			issues.Add(fmt.Sprintf("%s.target_path: %v", label, err))
		}
		if err := pathsafety.CheckRelative(model.TargetSubdir); err != nil {
			issues.Add(fmt.Sprintf("%s.target_subdir: %v", label, err))
		}
		if model.Checksum != "" && !checksumPattern.MatchString(model.Checksum) {
			issues.Add(fmt.Sprintf("%s.checksum must be of the form <algo>:<hex>", label))
		}
	}

	for key := range spec.Env {
		if strings.TrimSpace(key) == "" {
			issues.Add("env contains an empty key")
		}
	}

	return issues.OrNil()
}

func validateSourceRef(issues *ValidationError, label string, ref domain.SourceRef) {
	if strings.TrimSpace(ref.Repo) == "" {
		issues.Add(fmt.Sprintf("%s.repo is required", label))
	}
	if ref.Ref == "" && ref.Commit == "" {
		issues.Add(fmt.Sprintf("%s must set ref or commit", label))
	}
}
