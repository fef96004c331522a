package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	VocabFileName  = "aitextgen-vocab.json"
	MergesFileName = "aitextgen-merges.txt"

	// DefaultHiddenSize is GPT-Neo's hidden size when none is configured.
	DefaultHiddenSize = 2048
)

// AttentionType is one entry of GPT-Neo's attention_types list: a pattern of
// attention kinds repeated Repeat times.
type AttentionType struct {
	Pattern []string
	Repeat  int
}

func (a AttentionType) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{a.Pattern, a.Repeat})
}

func (a *AttentionType) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("attention type must be a [pattern, repeat] pair")
	}
	if err := json.Unmarshal(pair[0], &a.Pattern); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &a.Repeat)
}

// GlobalLocalAttention alternates global and local attention twice.
func GlobalLocalAttention() []AttentionType {
	return []AttentionType{{Pattern: []string{"global", "local"}, Repeat: 2}}
}

type Architecture struct {
	VocabSize             int             `json:"vocab_size"`
	MaxPositionEmbeddings int             `json:"max_position_embeddings"`
	AttentionTypes        []AttentionType `json:"attention_types"`
	NumLayers             int             `json:"num_layers"`
	NumHeads              int             `json:"num_heads"`
	HiddenSize            int             `json:"hidden_size"`
}

func NewArchitecture(vocabSize, maxLength, layers, heads int) Architecture {
	return Architecture{
		VocabSize:             vocabSize,
		MaxPositionEmbeddings: maxLength,
		AttentionTypes:        GlobalLocalAttention(),
		NumLayers:             layers,
		NumHeads:              heads,
		HiddenSize:            DefaultHiddenSize,
	}
}

// AttentionLayers expands AttentionTypes into one entry per layer.
func (a Architecture) AttentionLayers() []string {
	var layers []string
	for _, t := range a.AttentionTypes {
		for i := 0; i < t.Repeat; i++ {
			layers = append(layers, t.Pattern...)
		}
	}
	return layers
}

// Validate mirrors the checks GPT-Neo applies when the config is built.
func (a Architecture) Validate() error {
	if a.VocabSize <= 0 || a.MaxPositionEmbeddings <= 0 {
		return fmt.Errorf("%w: vocab size and max positions must be positive", ErrModelConstruction)
	}
	if a.NumLayers <= 0 || a.NumHeads <= 0 {
		return fmt.Errorf("%w: layer and head counts must be positive", ErrModelConstruction)
	}
	if n := len(a.AttentionLayers()); n != a.NumLayers {
		return fmt.Errorf("%w: attention pattern covers %d layers but num_layers is %d", ErrModelConstruction, n, a.NumLayers)
	}
	for _, kind := range a.AttentionLayers() {
		if kind != "global" && kind != "local" {
			return fmt.Errorf("%w: unknown attention type %q", ErrModelConstruction, kind)
		}
	}
	if a.HiddenSize%a.NumHeads != 0 {
		return fmt.Errorf("%w: hidden size %d is not divisible by %d heads", ErrModelConstruction, a.HiddenSize, a.NumHeads)
	}
	return nil
}

func (a Architecture) String() string {
	return fmt.Sprintf("GPTNeo(vocab=%d positions=%d layers=%d heads=%d hidden=%d attention=%v)",
		a.VocabSize, a.MaxPositionEmbeddings, a.NumLayers, a.NumHeads, a.HiddenSize, a.AttentionLayers())
}

type TokenizerArtifacts struct {
	VocabFile  string `json:"vocab_file"`
	MergesFile string `json:"merges_file"`
}

// ArtifactsIn returns the conventional artifact paths inside dir.
func ArtifactsIn(dir string) TokenizerArtifacts {
	return TokenizerArtifacts{
		VocabFile:  filepath.Join(dir, VocabFileName),
		MergesFile: filepath.Join(dir, MergesFileName),
	}
}

// Check fails with ErrModelConstruction when either file is missing.
func (t TokenizerArtifacts) Check() error {
	for _, path := range []string{t.VocabFile, t.MergesFile} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: tokenizer artifact %s: %v", ErrModelConstruction, path, err)
		}
	}
	return nil
}
