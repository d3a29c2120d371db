package cli

import (
	"fmt"
	"strings"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/domain"
	"github.com/nodeforge/enginectl/internal/specvalidator"
)

type repeatedFlag []string

func (r *repeatedFlag) String() string     { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error { *r = append(*r, v); return nil }

func (a *App) cmdCreate(args []string) error {
	fs := newFlagSet("create")
	engine := fs.String("engine", "", "engine source, URL[@ref]")
	var extensions repeatedFlag
	var models repeatedFlag
	var extraPackages repeatedFlag
	fs.Var(&extensions, "extension", "NAME=URL[@ref], repeatable")
	fs.Var(&models, "model", "URI[@target_subdir], repeatable")
	fs.Var(&extraPackages, "extra-package", "pip requirement specifier, repeatable")
	if err := fs.Parse(flagsFirst(args)); err != nil {
		return apierror.Wrap(apierror.KindUsage, err, "parse create flags")
	}
	if fs.NArg() != 1 {
		return apierror.New(apierror.KindUsage, "usage: enginectl create <version_id> --engine URL[@ref]")
	}
	versionID := fs.Arg(0)
	if *engine == "" {
		return apierror.New(apierror.KindUsage, "--engine is required")
	}

	engineRef, err := parseSourceRef("", *engine)
	if err != nil {
		return err
	}

	extRefs := make([]domain.SourceRef, 0, len(extensions))
	for _, e := range extensions {
		name, rest, ok := strings.Cut(e, "=")
		if !ok {
			return apierror.New(apierror.KindUsage, fmt.Sprintf("--extension %q must be NAME=URL[@ref]", e))
		}
		ref, err := parseSourceRef(name, rest)
		if err != nil {
			return err
		}
		extRefs = append(extRefs, ref)
	}

	modelEntries := make([]domain.ModelEntry, 0, len(models))
	for _, m := range models {
		source, target, _ := strings.Cut(m, "@")
		modelEntries = append(modelEntries, domain.ModelEntry{Source: source, TargetSubdir: target})
	}

	spec := domain.VersionSpec{
		SchemaVersion: domain.SchemaVersion,
		VersionID:     versionID,
		EngineSource:  engineRef,
		Extensions:    extRefs,
		Models:        modelEntries,
		ExtraPackages: extraPackages,
	}

	if err := specvalidator.ValidateVersionSpec(spec); err != nil {
		return apierror.Wrap(apierror.KindValidation, err, "validate new spec")
	}
	if err := a.writeSpec(spec); err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "wrote spec for %s at %s\n", versionID, a.specPath(versionID))
	return nil
}

// parseSourceRef splits "URL[@ref]" into a SourceRef, defaulting ref to
// "main" when omitted so every source has a resolvable ref per the
// VersionSpec invariant.
func parseSourceRef(name, raw string) (domain.SourceRef, error) {
	url, ref, hasRef := strings.Cut(raw, "@")
	if url == "" {
		return domain.SourceRef{}, apierror.New(apierror.KindUsage, fmt.Sprintf("empty source url in %q", raw))
	}
	if !hasRef {
		ref = "main"
	}
	return domain.SourceRef{Name: name, Repo: url, Ref: ref}, nil
}
