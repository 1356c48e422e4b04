// Package registry tracks known polish projects across a workstation, so
// `polish sessions list` can aggregate across every project a user has run
// polish in, not just the current working directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stangirard/polish/internal/session"
)

// ProjectEntry is a single registered project path.
type ProjectEntry struct {
	Path     string    `yaml:"path"`
	Name     string    `yaml:"name"`
	LastUsed time.Time `yaml:"last_used"`
}

// ProjectSessions holds a registered project's known sessions.
type ProjectSessions struct {
	Project  ProjectEntry
	Sessions []session.SessionMeta
}

type registryFile struct {
	Projects []ProjectEntry `yaml:"projects"`
}

var overridePath string

// SetPath overrides the registry file path (for testing).
func SetPath(path string) { overridePath = path }

// registryPath returns the path to the global registry file.
func registryPath() string {
	if overridePath != "" {
		return overridePath
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "polish", "projects.yaml")
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "polish", "projects.yaml")
}

// Touch upserts a project entry in the global registry.
// Best-effort: silently ignores errors so it never blocks the caller.
func Touch(projectPath string) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return
	}

	reg := load()

	found := false
	for i := range reg.Projects {
		if reg.Projects[i].Path == abs {
			reg.Projects[i].LastUsed = time.Now()
			found = true
			break
		}
	}
	if !found {
		reg.Projects = append(reg.Projects, ProjectEntry{
			Path:     abs,
			Name:     filepath.Base(abs),
			LastUsed: time.Now(),
		})
	}

	_ = save(reg)
}

// List returns all registered projects sorted by last_used descending.
func List() ([]ProjectEntry, error) {
	reg := load()
	sort.Slice(reg.Projects, func(i, j int) bool {
		return reg.Projects[i].LastUsed.After(reg.Projects[j].LastUsed)
	})
	return reg.Projects, nil
}

// ListSessions loads sessions from every registered project, skipping
// projects that no longer exist or have no recorded sessions.
func ListSessions() ([]ProjectSessions, error) {
	projects, err := List()
	if err != nil {
		return nil, err
	}

	var result []ProjectSessions
	for _, proj := range projects {
		store := session.NewStore(proj.Path)
		sessions, err := store.List()
		if err != nil || len(sessions) == 0 {
			continue
		}
		result = append(result, ProjectSessions{Project: proj, Sessions: sessions})
	}
	return result, nil
}

// Remove unregisters a project by path.
func Remove(projectPath string) error {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return fmt.Errorf("registry: resolving path: %w", err)
	}

	reg := load()
	filtered := reg.Projects[:0]
	for _, p := range reg.Projects {
		if p.Path != abs {
			filtered = append(filtered, p)
		}
	}
	reg.Projects = filtered
	return save(reg)
}

func load() registryFile {
	var reg registryFile
	data, err := os.ReadFile(registryPath())
	if err != nil {
		return reg
	}
	_ = yaml.Unmarshal(data, &reg)
	return reg
}

func save(reg registryFile) error {
	path := registryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("registry: creating dir: %w", err)
	}

	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("registry: marshaling: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("registry: renaming file: %w", err)
	}
	return nil
}
