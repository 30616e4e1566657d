// Package workspace stages ephemeral working directories for infrastructure
// runs: a copy of the template tree plus a generated variables file.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// VariablesFile is the generated terraform variables file name. The
// ".auto.tfvars.json" suffix makes terraform load it without extra flags.
const VariablesFile = "cloudwrap.auto.tfvars.json"

// Spec describes one staging request.
type Spec struct {
	OperationID string
	// TemplateKind selects the template subtree ("static-site" or "server").
	TemplateKind string
	// Variables are encoded into the generated variables file.
	Variables map[string]any
}

// Manager owns operation-scoped working directories under a common root.
type Manager struct {
	root        string
	templateDir string
}

// New ensures the workspace root exists and is accessible. An empty root
// defaults to a cloudwrap directory under the OS temp dir.
func New(root, templateDir string) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "cloudwrap")
	}
	if templateDir == "" {
		return nil, fmt.Errorf("template directory cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root, templateDir: templateDir}, nil
}

// Stage creates a uniquely named directory, copies the template tree for the
// requested kind into it and writes the variables file. On any failure the
// partially staged directory is removed before returning.
func (m *Manager) Stage(spec Spec) (string, error) {
	if spec.OperationID == "" {
		return "", fmt.Errorf("workspace operation id cannot be empty")
	}
	src := filepath.Join(m.templateDir, spec.TemplateKind)
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("template source %s: %w", src, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("template source %s is not a directory", src)
	}

	dir, err := os.MkdirTemp(m.root, spec.OperationID+"-")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if err := copyTree(src, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("copy templates: %w", err)
	}
	if err := writeVariables(dir, spec.Variables); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write variables: %w", err)
	}
	return dir, nil
}

// Unstage removes the workspace directory. Removing an already-removed path
// is not an error, so double cleanup is safe.
func (m *Manager) Unstage(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to unstage path outside workspace root")
	}
	return os.RemoveAll(path)
}

func writeVariables(dir string, variables map[string]any) error {
	if variables == nil {
		variables = map[string]any{}
	}
	data, err := json.MarshalIndent(variables, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, VariablesFile), append(data, '\n'), 0o644)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !entry.Type().IsRegular() {
			// Symlinks and devices are not expected in template trees.
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
