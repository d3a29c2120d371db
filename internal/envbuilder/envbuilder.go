// Package envbuilder implements C5: turning a realized workspace (engine
// source + extensions checked out, models fetched) into a runnable
// Environment by creating a virtualenv, installing Python dependencies,
// and emitting the model search-path config the engine reads at startup.
//
// Interpreter selection (system python when UseSystemPy is set, otherwise
// the workspace .venv, creating it with python3 or python if absent)
// mirrors _resolve_python_interpreter in the RunPod worker this component
// replaces.
package envbuilder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/nodeforge/enginectl/internal/apierror"
	"gopkg.in/yaml.v3"
)

type Config struct {
	WorkspaceDir  string
	UseSystemPy   bool
	ExtraPackages []string
}

type Builder struct {
	cfg Config
}

func New(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

func (b *Builder) venvDir() string {
	return filepath.Join(b.cfg.WorkspaceDir, ".venv")
}

// venvPython is the platform-specific path to the interpreter inside a venv.
func venvPython(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}

// ResolveInterpreter returns a path to a usable python interpreter,
// creating a venv under the workspace if one does not already exist and
// the caller hasn't opted into the system interpreter.
func (b *Builder) ResolveInterpreter(ctx context.Context) (string, error) {
	if b.cfg.UseSystemPy {
		return systemPython()
	}

	py := venvPython(b.venvDir())
	if isExecutable(py) {
		return py, nil
	}

	base, err := systemPython()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(b.venvDir()), 0o755); err != nil {
		return "", apierror.Wrap(apierror.KindEnvBuild, err, "create venv parent dir")
	}
	cmd := exec.CommandContext(ctx, base, "-m", "venv", b.venvDir())
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", apierror.Wrap(apierror.KindEnvBuild, err, fmt.Sprintf("create venv: %s", strings.TrimSpace(string(out))))
	}
	if !isExecutable(py) {
		return "", apierror.New(apierror.KindEnvBuild, fmt.Sprintf("venv created but interpreter missing at %s", py))
	}
	return py, nil
}

func systemPython() (string, error) {
	for _, cand := range []string{"python3", "python"} {
		if path, err := exec.LookPath(cand); err == nil {
			return path, nil
		}
	}
	return "", apierror.New(apierror.KindEnvBuild, "no system python3/python interpreter found")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// InstallPackages runs `pip install` across three ordered phases: the
// engine core's requirements.txt, then each extension's own requirements.txt
// (in the order given, matching the spec's declared extension order), then
// any extra_packages declared by the VersionSpec. A requirements file that
// doesn't exist (an extension with no Python dependencies) is skipped.
func (b *Builder) InstallPackages(ctx context.Context, interpreter string, requirementsFiles []string) error {
	args := []string{"-m", "pip", "install", "--disable-pip-version-check"}
	installedAnything := false

	for _, requirementsFile := range requirementsFiles {
		if requirementsFile == "" {
			continue
		}
		if _, err := os.Stat(requirementsFile); err == nil {
			args = append(args, "-r", requirementsFile)
			installedAnything = true
		}
	}
	for _, pkg := range b.cfg.ExtraPackages {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		args = append(args, pkg)
		installedAnything = true
	}
	if !installedAnything {
		return nil
	}

	cmd := exec.CommandContext(ctx, interpreter, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return apierror.Wrap(apierror.KindEnvBuild, err, fmt.Sprintf("pip install: %s", strings.TrimSpace(string(out))))
	}
	return nil
}

// modelPathsConfig mirrors ComfyUI's extra_model_paths.yaml shape: one
// top-level key per config section, each holding a base_path plus one
// directory entry per model category.
type modelPathsConfig map[string]modelPathsSection

type modelPathsSection struct {
	BasePath    string `yaml:"base_path"`
	Checkpoints string `yaml:"checkpoints,omitempty"`
	Loras       string `yaml:"loras,omitempty"`
	VAE         string `yaml:"vae,omitempty"`
	ControlNet  string `yaml:"controlnet,omitempty"`
	Upscale     string `yaml:"upscale_models,omitempty"`
	Embeddings  string `yaml:"embeddings,omitempty"`
	Clip        string `yaml:"clip,omitempty"`
}

// WriteModelPaths emits extra_model_paths.yaml into the workspace so the
// engine discovers models_dir without copying them into its own tree.
func (b *Builder) WriteModelPaths(modelsDir string) error {
	cfg := modelPathsConfig{
		"enginectl": modelPathsSection{
			BasePath:    modelsDir,
			Checkpoints: "checkpoints",
			Loras:       "loras",
			VAE:         "vae",
			ControlNet:  "controlnet",
			Upscale:     "upscale_models",
			Embeddings:  "embeddings",
			Clip:        "clip",
		},
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return apierror.Wrap(apierror.KindEnvBuild, err, "marshal extra_model_paths.yaml")
	}
	dest := filepath.Join(b.cfg.WorkspaceDir, "extra_model_paths.yaml")
	if err := os.WriteFile(dest, out, 0o644); err != nil {
		return apierror.Wrap(apierror.KindEnvBuild, err, "write extra_model_paths.yaml")
	}
	return nil
}
