package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RunParamsFile is the provenance copy written into every run directory.
const RunParamsFile = "gpt_neo_scratch_params.yaml"

// persistedDocument keeps the data, ml and generation groups of the parsed
// document, scalars untouched, with flow style switched off.
func persistedDocument(root *yaml.Node) *yaml.Node {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		if !isGroup(key.Value) {
			continue
		}
		out.Content = append(out.Content, blockStyle(key), blockStyle(value))
	}
	return &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{out}}
}

func isGroup(name string) bool {
	for _, group := range Groups {
		if group == name {
			return true
		}
	}
	return false
}

// blockStyle copies node with flow style switched off. Aliases are replaced
// by the nodes they point to and merge keys are expanded, since the anchors
// may live outside the persisted groups.
func blockStyle(node *yaml.Node) *yaml.Node {
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		return blockStyle(node.Alias)
	}
	clone := *node
	clone.Anchor = ""
	clone.Style &^= yaml.FlowStyle
	switch {
	case node.Kind == yaml.MappingNode:
		clone.Content = mergedPairs(node)
	case len(node.Content) > 0:
		clone.Content = make([]*yaml.Node, len(node.Content))
		for i, child := range node.Content {
			clone.Content[i] = blockStyle(child)
		}
	}
	return &clone
}

// mergedPairs resolves a mapping's content. Explicit keys win over merged
// ones and earlier merge sources win over later ones.
func mergedPairs(mapping *yaml.Node) []*yaml.Node {
	explicit := make(map[string]bool)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if key := mapping.Content[i]; !isMergeKey(key) {
			explicit[key.Value] = true
		}
	}

	seen := make(map[string]bool)
	var out []*yaml.Node
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, value := mapping.Content[i], mapping.Content[i+1]
		if !isMergeKey(key) {
			seen[key.Value] = true
			out = append(out, blockStyle(key), blockStyle(value))
			continue
		}
		for _, source := range mergeSources(value) {
			resolved := blockStyle(source)
			for j := 0; j+1 < len(resolved.Content); j += 2 {
				name := resolved.Content[j].Value
				if explicit[name] || seen[name] {
					continue
				}
				seen[name] = true
				out = append(out, resolved.Content[j], resolved.Content[j+1])
			}
		}
	}
	return out
}

func isMergeKey(key *yaml.Node) bool {
	return key.Kind == yaml.ScalarNode && key.Value == "<<" && key.ShortTag() == "!!merge"
}

func mergeSources(value *yaml.Node) []*yaml.Node {
	if value.Kind == yaml.AliasNode && value.Alias != nil {
		value = value.Alias
	}
	switch value.Kind {
	case yaml.MappingNode:
		return []*yaml.Node{value}
	case yaml.SequenceNode:
		var sources []*yaml.Node
		for _, item := range value.Content {
			sources = append(sources, mergeSources(item)...)
		}
		return sources
	}
	return nil
}

// SaveRunConfig writes the loaded parameter groups into runDir, replacing any
// existing copy, and returns the file path.
func (m *Manager) SaveRunConfig(runDir string) (string, error) {
	if m.document == nil {
		return "", fmt.Errorf("%w: configuration not loaded", ErrSerialization)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m.document); err != nil {
		return "", fmt.Errorf("%w: failed to encode params: %v", ErrSerialization, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("%w: failed to encode params: %v", ErrSerialization, err)
	}

	path := filepath.Join(runDir, RunParamsFile)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("%w: failed to write %s: %v", ErrSerialization, path, err)
	}

	if DebugLog != nil {
		DebugLog("model params saved at %s", path)
	}

	return path, nil
}
