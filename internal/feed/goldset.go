package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Goldset is a YAML-defined suite of curated gold tasks for one agent.
type Goldset struct {
	Version int        `yaml:"version"`
	Agent   string     `yaml:"agent"`
	Tasks   []GoldTask `yaml:"tasks"`
}

// LoadGoldset reads a YAML goldset file from disk.
func LoadGoldset(path string) (*Goldset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g Goldset
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse goldset YAML: %w", err)
	}
	if g.Agent == "" {
		return nil, fmt.Errorf("goldset %s missing agent", path)
	}
	for i, task := range g.Tasks {
		if task.Key == "" || task.Label == "" {
			return nil, fmt.Errorf("goldset %s task %d missing key or label", path, i)
		}
	}
	return &g, nil
}

// DirGoldsetSource serves gold tasks from a directory of goldset files.
// Task IDs are derived as "{file}:{key}" so re-ingesting a file stays
// idempotent downstream.
type DirGoldsetSource struct {
	Dir string
}

// Tasks returns gold tasks for one agent across all goldset files in the
// directory, in filename order. limit <= 0 means no limit.
func (d *DirGoldsetSource) Tasks(ctx context.Context, agent string, limit int) ([]GoldTask, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, &UpstreamUnavailableError{Source: "goldsets", Err: err}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []GoldTask
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		g, err := LoadGoldset(filepath.Join(d.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load goldset %s: %w", name, err)
		}
		if g.Agent != agent {
			continue
		}
		base := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		for _, task := range g.Tasks {
			t := task
			t.Agent = g.Agent
			if t.ID == "" {
				t.ID = fmt.Sprintf("%s:%s", base, t.Key)
			}
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Agents returns the distinct agents across all goldset files.
func (d *DirGoldsetSource) Agents() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, &UpstreamUnavailableError{Source: "goldsets", Err: err}
	}

	seen := make(map[string]bool)
	var agents []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		g, err := LoadGoldset(filepath.Join(d.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load goldset %s: %w", name, err)
		}
		if !seen[g.Agent] {
			seen[g.Agent] = true
			agents = append(agents, g.Agent)
		}
	}
	sort.Strings(agents)
	return agents, nil
}
