// Package setup creates the .commsengine workspace: state directories, a config seeded
// from the embedded template and an example snapshot.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/commsengine/internal/model"
	atomicyaml "github.com/msageha/commsengine/internal/yaml"
	"github.com/msageha/commsengine/templates"
)

const workspaceDir = ".commsengine"

// Run initializes <projectDir>/.commsengine and returns its path. It refuses to touch an
// existing workspace.
func Run(projectDir string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, workspaceDir)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"state", "locks", "logs", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(base)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.WriteDocument(filepath.Join(base, "config.yaml"), "", cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	example, err := fs.ReadFile(templates.FS, "snapshot.yaml")
	if err != nil {
		return "", fmt.Errorf("read snapshot template: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, "snapshot.example.yaml"), example, 0644); err != nil {
		return "", fmt.Errorf("write example snapshot: %w", err)
	}
	return base, nil
}

// generateConfig reads the template and anchors its paths at base, so the workspace works
// from any directory.
func generateConfig(base string) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	cfg.Daemon.StateDir = base
	cfg.Sync.Path = filepath.Join(base, "state")
	return cfg, nil
}
