package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// taskDoc is one entry of the tasks{} map in a graph document.
type taskDoc struct {
	Name      string   `json:"name" yaml:"name"`
	Prompt    string   `json:"prompt" yaml:"prompt"`
	Type      string   `json:"type,omitempty" yaml:"type,omitempty"`
	Agent     string   `json:"agent,omitempty" yaml:"agent,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// document is the parsed form of a graph file: version, session name,
// and a map of task id -> taskDoc.
type document struct {
	Version string             `json:"version" yaml:"version"`
	Session struct {
		Name string `json:"name" yaml:"name"`
	} `json:"session" yaml:"session"`
	Tasks map[string]taskDoc `json:"tasks" yaml:"tasks"`
}

func readGraphSource(source string) (text, format string, err error) {
	b, err := os.ReadFile(source)
	if err != nil {
		return "", "", err
	}
	switch strings.ToLower(filepath.Ext(source)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".json":
		format = "json"
	default:
		format = "yaml"
	}
	return string(b), format, nil
}

func parseDocument(text, format string) (*document, error) {
	var doc document
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q (want yaml or json)", format)
	}
	return &doc, nil
}

// validate checks the document is well-formed: version "1", at least
// one task, every depends_on edge naming an existing task, and no
// dependency cycle.
func (d *document) validate() error {
	if d.Version != "1" {
		return fmt.Errorf("unsupported graph version %q (want \"1\")", d.Version)
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("graph has no tasks")
	}
	for id, t := range d.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("task %s: name is required", id)
		}
		if strings.TrimSpace(t.Prompt) == "" {
			return fmt.Errorf("task %s: prompt is required", id)
		}
		for _, dep := range t.DependsOn {
			if _, ok := d.Tasks[dep]; !ok {
				return fmt.Errorf("task %s depends on nonexistent task %s", id, dep)
			}
		}
	}
	_, err := topoSort(d.Tasks)
	return err
}

// topoSort performs Kahn's algorithm over the task dependency graph,
// returning tasks grouped into waves (a task's wave is one greater than
// the maximum wave of its dependencies). A cycle surfaces as an error
// naming one offending edge.
func topoSort(tasks map[string]taskDoc) ([][]string, error) {
	processed := make(map[string]bool, len(tasks))
	var waves [][]string

	for len(processed) < len(tasks) {
		var wave []string
		for id, t := range tasks {
			if processed[id] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected: %s", describeCycleEdge(tasks, processed))
		}
		for _, id := range wave {
			processed[id] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// describeCycleEdge names one edge inside the unprocessed remainder, for
// a more useful error message than "a cycle exists somewhere".
func describeCycleEdge(tasks map[string]taskDoc, processed map[string]bool) string {
	for id, t := range tasks {
		if processed[id] {
			continue
		}
		for _, dep := range t.DependsOn {
			if !processed[dep] {
				return fmt.Sprintf("%s -> %s", id, dep)
			}
		}
	}
	return "unknown edge"
}
