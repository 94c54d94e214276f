package workflow

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/cloudshipai/noetic/internal/dispatch"
)

// DefinitionFile is one workflow definition discovered on disk alongside
// its source path, for authoring tools that want to report where a
// definition came from.
type DefinitionFile struct {
	Path       string
	Definition WorkflowDefinition
}

// LoadError pairs a failed file with why it failed to parse.
type LoadError struct {
	Path string
	Err  error
}

func (e LoadError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

// Loader discovers and parses *.workflow.yaml / *.workflow.yml /
// *.workflow.json files from a directory on an afero filesystem, so tests
// can load from an in-memory filesystem instead of touching disk.
type Loader struct {
	fs  afero.Fs
	dir string
}

// NewLoader constructs a Loader rooted at dir on fs.
func NewLoader(fs afero.Fs, dir string) *Loader {
	return &Loader{fs: fs, dir: dir}
}

// LoadAll parses every workflow file under the loader's directory. Files
// that fail to parse are reported in errs rather than aborting the load.
func (l *Loader) LoadAll() (files []DefinitionFile, errs []LoadError) {
	exists, err := afero.DirExists(l.fs, l.dir)
	if err != nil || !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return nil, []LoadError{{Path: l.dir, Err: err}}
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if hasWorkflowSuffix(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(l.dir, name)
		def, err := l.LoadFile(path)
		if err != nil {
			errs = append(errs, LoadError{Path: path, Err: err})
			continue
		}
		files = append(files, DefinitionFile{Path: path, Definition: def})
	}
	return files, errs
}

func hasWorkflowSuffix(name string) bool {
	for _, suffix := range []string{".workflow.yaml", ".workflow.yml", ".workflow.json"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// LoadFile reads and parses one definition file.
func (l *Loader) LoadFile(path string) (WorkflowDefinition, error) {
	content, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("read: %w", err)
	}

	var raw map[string]interface{}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(content, &raw); err != nil {
			return WorkflowDefinition{}, fmt.Errorf("parse json: %w", err)
		}
	} else {
		var yamlValue interface{}
		if err := yaml.Unmarshal(content, &yamlValue); err != nil {
			return WorkflowDefinition{}, fmt.Errorf("parse yaml: %w", err)
		}
		converted, ok := normalizeYAML(yamlValue).(map[string]interface{})
		if !ok {
			return WorkflowDefinition{}, fmt.Errorf("workflow definition must be an object")
		}
		raw = converted
	}

	return definitionFromRaw(raw)
}

// normalizeYAML converts map[interface{}]interface{} nodes (which yaml.v3
// never actually produces, but yaml.v2-authored fixtures might) into
// map[string]interface{} so the rest of the pipeline only deals with one
// shape.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[k] = normalizeYAML(sub)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[fmt.Sprint(k)] = normalizeYAML(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = normalizeYAML(sub)
		}
		return out
	default:
		return v
	}
}

// DefinitionFromMap parses a WorkflowDefinition from an already-decoded
// generic object, for callers (the MCP surface's workflow/run) that receive
// a definition inline in a request body rather than from a file.
func DefinitionFromMap(raw map[string]interface{}) (WorkflowDefinition, error) {
	return definitionFromRaw(raw)
}

func definitionFromRaw(raw map[string]interface{}) (WorkflowDefinition, error) {
	def := WorkflowDefinition{
		Name:    stringField(raw, "name"),
		Version: stringField(raw, "version"),
	}

	if mp, ok := raw["maxParallelism"].(float64); ok {
		def.MaxParallelism = int(mp)
	}
	if rp, ok := raw["defaultRetryPolicy"].(map[string]interface{}); ok {
		policy := retryPolicyFromRaw(rp)
		def.DefaultRetryPolicy = &policy
	}

	rawNodes, _ := raw["nodes"].([]interface{})
	for _, rn := range rawNodes {
		nodeMap, ok := rn.(map[string]interface{})
		if !ok {
			return WorkflowDefinition{}, fmt.Errorf("node entry is not an object")
		}
		node := Node{
			ID:                stringField(nodeMap, "id"),
			Tool:              stringField(nodeMap, "tool"),
			ArgumentsTemplate: nodeMap["arguments"],
			OnError:           OnError(stringFieldDefault(nodeMap, "onError", string(OnErrorFail))),
		}
		if node.ID == "" {
			return WorkflowDefinition{}, fmt.Errorf("node missing id")
		}
		if node.Tool == "" {
			return WorkflowDefinition{}, fmt.Errorf("node %q missing tool", node.ID)
		}
		if tm, ok := nodeMap["timeoutMillis"].(float64); ok {
			node.TimeoutMillis = int64(tm)
		}
		if rp, ok := nodeMap["retryPolicy"].(map[string]interface{}); ok {
			node.RetryPolicy = retryPolicyFromRaw(rp)
		}
		def.Nodes = append(def.Nodes, node)
	}

	return def, nil
}

func retryPolicyFromRaw(raw map[string]interface{}) RetryPolicy {
	policy := DefaultRetryPolicy()
	if v, ok := raw["maxAttempts"].(float64); ok {
		policy.MaxAttempts = int(v)
	}
	if v, ok := raw["initialBackoffMillis"].(float64); ok {
		policy.InitialBackoffMillis = int64(v)
	}
	if v, ok := raw["backoffMultiplier"].(float64); ok {
		policy.BackoffMultiplier = v
	}
	if v, ok := raw["maxBackoffMillis"].(float64); ok {
		policy.MaxBackoffMillis = int64(v)
	}
	if kinds, ok := raw["retryableKinds"].([]interface{}); ok {
		policy.RetryableKinds = nil
		for _, k := range kinds {
			if s, ok := k.(string); ok {
				policy.RetryableKinds = append(policy.RetryableKinds, dispatch.ErrorKind(s))
			}
		}
	}
	return policy
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringFieldDefault(m map[string]interface{}, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}
