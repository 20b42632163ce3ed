// Package policy loads, versions and applies retrieval policies.
//
// A policy decides which events are candidates for a context pack, how
// they are scored and how many tokens the pack may hold. Retrieval is
// deterministic: the same policy version, query, budget and event set
// always give the same pack id and item order.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "qaflow.policy.v1"

const DefaultPolicyID = "default"

// ErrPolicyNotFound wraps domain.ErrNotFound.
var ErrPolicyNotFound = fmt.Errorf("policy %w", domain.ErrNotFound)

type document struct {
	Schema        string `json:"schema" yaml:"schema"`
	domain.Policy `yaml:",inline"`
}

// DefaultPolicy is served when no policy files define "default".
func DefaultPolicy() domain.Policy {
	return domain.Policy{
		ID:          DefaultPolicyID,
		Name:        "Default",
		Description: "Pinned tags first, then importance, semantic match and recency.",
		Weights: domain.PolicyWeights{
			Pinned:        10,
			Importance:    1,
			Semantic:      2,
			Recency:       1,
			RecencyLambda: 0.01,
		},
		AlwaysInclude: []string{"pinned"},
	}
}

// ParseYAML decodes a YAML policy document. Unknown fields are rejected.
func ParseYAML(input []byte) (domain.Policy, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return domain.Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return doc.finish()
}

// ParseJSONC decodes a JSON policy document that may carry comments and
// trailing commas.
func ParseJSONC(input []byte) (domain.Policy, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(input)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return domain.Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return doc.finish()
}

func (d document) finish() (domain.Policy, error) {
	if s := strings.TrimSpace(d.Schema); s != "" && s != SpecSchemaV1 {
		return domain.Policy{}, fmt.Errorf("policy schema must be %q", SpecSchemaV1)
	}
	p := d.Policy
	p.ID = strings.TrimSpace(p.ID)
	if err := p.Validate(); err != nil {
		return domain.Policy{}, err
	}
	return p, nil
}

// ReadFile parses a policy file by extension: .yaml/.yml, or .json/.jsonc.
// A file without an id takes its name from the file name.
func ReadFile(path string) (domain.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("read %s: %w", path, err)
	}
	p, err := ParseNamed(data, path)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseNamed parses data in the format implied by name's extension and
// defaults the id to name without its extension.
func ParseNamed(data []byte, name string) (domain.Policy, error) {
	if !hasID(data, name) {
		data = injectID(data, name)
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".json", ".jsonc":
		return ParseJSONC(data)
	default:
		return domain.Policy{}, fmt.Errorf("%s: unsupported policy file type", name)
	}
}

// LoadDir reads every policy file in dir, sorted by file name. Duplicate
// ids are an error.
func LoadDir(dir string) ([]domain.Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json", ".jsonc":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	out := make([]domain.Policy, 0, len(names))
	for _, name := range names {
		p, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[p.ID]; ok {
			return nil, fmt.Errorf("policy id %q defined in both %s and %s", p.ID, prev, name)
		}
		seen[p.ID] = name
		out = append(out, p)
	}
	return out, nil
}

func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func hasID(data []byte, path string) bool {
	var head struct {
		ID string `json:"id" yaml:"id"`
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &head); err != nil {
			return true
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &head); err != nil {
			return true
		}
	}
	return strings.TrimSpace(head.ID) != ""
}

func injectID(data []byte, path string) []byte {
	id := NameFromPath(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return append([]byte(fmt.Sprintf("id: %q\n", id)), data...)
	default:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(jsonc.ToJSON(data), &obj); err != nil {
			return data
		}
		raw, _ := json.Marshal(id)
		obj["id"] = raw
		out, err := json.Marshal(obj)
		if err != nil {
			return data
		}
		return out
	}
}
