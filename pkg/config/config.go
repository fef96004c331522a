package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

const (
	DefaultParamsFile = "gpt_neo_scratch_params.yaml"

	GroupData       = "data"
	GroupML         = "ml"
	GroupGeneration = "generation"
	GroupRuntime    = "runtime"
)

// Groups lists the parameter groups in the order they are persisted.
var Groups = []string{GroupData, GroupML, GroupGeneration}

var requiredKeys = map[string][]string{
	GroupData: {"file_path"},
	GroupML: {
		"save_path", "vocab_size", "tokenizer_dropout", "tokens_min_frequency",
		"model_max_length", "model_n_layer", "model_n_head", "train_steps",
		"train_generate_every", "train_save_every", "train_learning_rate",
		"train_batch_size",
	},
	GroupGeneration: {
		"n_text", "batch_size", "seed", "cleanup", "prefix", "max_length",
		"temperature", "top_p", "repetition_penalty", "early_stopping",
		"num_beams",
	},
}

// RequiredKeys returns the keys a group must define.
func RequiredKeys(group string) []string {
	return append([]string(nil), requiredKeys[group]...)
}

type Config struct {
	Params  Params
	Runtime Runtime
}

type Params struct {
	Data       Data       `mapstructure:"data"`
	ML         ML         `mapstructure:"ml"`
	Generation Generation `mapstructure:"generation"`
}

type Data struct {
	FilePath string `mapstructure:"file_path"`
}

type ML struct {
	SavePath           string  `mapstructure:"save_path"`
	VocabSize          int     `mapstructure:"vocab_size"`
	TokenizerDropout   float64 `mapstructure:"tokenizer_dropout"`
	TokensMinFrequency int     `mapstructure:"tokens_min_frequency"`
	ModelMaxLength     int     `mapstructure:"model_max_length"`
	ModelNLayer        int     `mapstructure:"model_n_layer"`
	ModelNHead         int     `mapstructure:"model_n_head"`
	TrainSteps         int     `mapstructure:"train_steps"`
	TrainGenerateEvery int     `mapstructure:"train_generate_every"`
	TrainSaveEvery     int     `mapstructure:"train_save_every"`
	TrainLearningRate  float64 `mapstructure:"train_learning_rate"`
	TrainBatchSize     int     `mapstructure:"train_batch_size"`
}

// Dropout returns nil when dropout is configured as exactly zero, which the
// tokenizer trainer reads as "disabled".
func (m ML) Dropout() *float64 {
	if m.TokenizerDropout == 0.0 {
		return nil
	}
	d := m.TokenizerDropout
	return &d
}

type Generation struct {
	NText             int     `mapstructure:"n_text"`
	BatchSize         int     `mapstructure:"batch_size"`
	Seed              int64   `mapstructure:"seed"`
	Cleanup           bool    `mapstructure:"-"`
	Prefix            string  `mapstructure:"prefix"`
	MaxLength         int     `mapstructure:"max_length"`
	Temperature       float64 `mapstructure:"temperature"`
	TopP              float64 `mapstructure:"top_p"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	EarlyStopping     bool    `mapstructure:"early_stopping"`
	NumBeams          int     `mapstructure:"num_beams"`
}

type Runtime struct {
	Backend  string   `mapstructure:"backend"`
	Python   string   `mapstructure:"python"`
	ToGPU    bool     `mapstructure:"to_gpu"`
	Metrics  bool     `mapstructure:"metrics"`
	Database Database `mapstructure:"database"`
	Elastic  Elastic  `mapstructure:"elastic"`
}

type Database struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type Elastic struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Index    string `mapstructure:"index"`
}

func defaultRuntime() Runtime {
	return Runtime{
		Backend: "aitextgen",
		ToGPU:   true,
		Database: Database{
			Host: "localhost",
			Port: 5432,
		},
	}
}

type Manager struct {
	config     *Config
	raw        map[string]interface{}
	document   *yaml.Node
	configPath string
	warnings   []string
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// LoadConfig reads, parses and validates the parameter file. Nothing is
// written to disk here, so a failure leaves no trace behind.
func (m *Manager) LoadConfig() error {
	if m.configPath == "" {
		m.configPath = m.findConfigFile()
	}

	if DebugLog != nil {
		DebugLog("loading params from %s", m.configPath)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		return &Error{Kind: KindMissingFile, Path: m.configPath, Err: err}
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return &Error{Kind: KindMissingFile, Path: m.configPath, Err: err}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &Error{Kind: KindMalformed, Path: m.configPath, Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return &Error{Kind: KindMalformed, Path: m.configPath, Err: errors.New("top level is not a mapping")}
	}
	root := doc.Content[0]

	var all map[string]interface{}
	if err := root.Decode(&all); err != nil {
		return &Error{Kind: KindMalformed, Path: m.configPath, Err: err}
	}

	raw := make(map[string]interface{}, len(Groups))
	var missing []string
	for _, group := range Groups {
		value, ok := all[group]
		if !ok || value == nil {
			for _, key := range requiredKeys[group] {
				missing = append(missing, group+"."+key)
			}
			continue
		}
		section, ok := value.(map[string]interface{})
		if !ok {
			return &Error{Kind: KindMalformed, Path: m.configPath, Err: fmt.Errorf("%s is not a mapping", group)}
		}
		for _, key := range requiredKeys[group] {
			if _, ok := section[key]; !ok {
				missing = append(missing, group+"."+key)
			}
		}
		raw[group] = section
	}
	if len(missing) > 0 {
		return &Error{Kind: KindMissingKey, Path: m.configPath, Keys: missing}
	}

	m.warnings = nil
	params, err := m.decodeParams(raw)
	if err != nil {
		return &Error{Kind: KindInvalidValue, Path: m.configPath, Err: err}
	}

	runtime := defaultRuntime()
	if value, ok := all[GroupRuntime]; ok && value != nil {
		if err := decode(value, &runtime); err != nil {
			return &Error{Kind: KindInvalidValue, Path: m.configPath, Err: fmt.Errorf("runtime: %w", err)}
		}
	}

	cfg := &Config{Params: *params, Runtime: runtime}
	if err := m.validateConfig(cfg); err != nil {
		return &Error{Kind: KindInvalidValue, Path: m.configPath, Err: err}
	}

	if DebugLog != nil {
		m.logParams(raw)
	}

	m.config = cfg
	m.raw = raw
	m.document = persistedDocument(root)
	return nil
}

func (m *Manager) decodeParams(raw map[string]interface{}) (*Params, error) {
	params := &Params{}

	if err := decode(raw[GroupData], &params.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", GroupData, err)
	}
	if err := decode(raw[GroupML], &params.ML); err != nil {
		return nil, fmt.Errorf("%s: %w", GroupML, err)
	}

	gen := raw[GroupGeneration].(map[string]interface{})
	if err := decode(gen, &params.Generation); err != nil {
		return nil, fmt.Errorf("%s: %w", GroupGeneration, err)
	}

	cleanup, recognised := ResolveCleanup(gen["cleanup"])
	if !recognised {
		m.warnings = append(m.warnings, fmt.Sprintf("generation.cleanup=%v is not a boolean or \"True\"/\"False\", resolved to %t", gen["cleanup"], cleanup))
	}
	params.Generation.Cleanup = cleanup

	return params, nil
}

func decode(input interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: false,
		DecodeHook:       wholeNumberHook,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// wholeNumberHook rejects fractional floats headed for integer fields;
// mapstructure would otherwise truncate them.
func wholeNumberHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
	default:
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	f := reflect.ValueOf(data).Float()
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("expected an integer, got %v", data)
	}
	return data, nil
}

// ResolveCleanup turns the generation cleanup value into a boolean. YAML
// booleans are taken as is. Strings resolve to true only for the exact
// value "True", so "true", "1" or "" are all false. The second return value
// reports whether the value was one of the expected spellings.
func ResolveCleanup(value interface{}) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		return v == "True", v == "True" || v == "False"
	default:
		return false, false
	}
}

func (m *Manager) logParams(raw map[string]interface{}) {
	for _, group := range Groups {
		section := raw[group].(map[string]interface{})
		keys := make([]string, 0, len(section))
		for key := range section {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", key, section[key]))
		}
		DebugLog("params %s: %s", group, strings.Join(parts, " "))
	}
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

// Raw returns the three parameter groups exactly as parsed.
func (m *Manager) Raw() map[string]interface{} {
	return m.raw
}

// Warnings returns non-fatal remarks collected while loading.
func (m *Manager) Warnings() []string {
	return m.warnings
}

func (m *Manager) Path() string {
	return m.configPath
}

func (m *Manager) findConfigFile() string {
	if _, err := os.Stat(DefaultParamsFile); err == nil {
		return DefaultParamsFile
	}

	candidate := filepath.Join("configs", DefaultParamsFile)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}

	configPath := GetDefaultConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}

	return candidate
}

func (m *Manager) validateConfig(config *Config) error {
	p := config.Params

	if strings.TrimSpace(p.Data.FilePath) == "" {
		return fmt.Errorf("data.file_path must not be empty")
	}
	if strings.TrimSpace(p.ML.SavePath) == "" {
		return fmt.Errorf("ml.save_path must not be empty")
	}

	positive := []struct {
		name  string
		value int
	}{
		{"ml.vocab_size", p.ML.VocabSize},
		{"ml.model_max_length", p.ML.ModelMaxLength},
		{"ml.model_n_layer", p.ML.ModelNLayer},
		{"ml.model_n_head", p.ML.ModelNHead},
		{"ml.train_steps", p.ML.TrainSteps},
		{"ml.train_generate_every", p.ML.TrainGenerateEvery},
		{"ml.train_save_every", p.ML.TrainSaveEvery},
		{"ml.train_batch_size", p.ML.TrainBatchSize},
		{"generation.n_text", p.Generation.NText},
		{"generation.batch_size", p.Generation.BatchSize},
		{"generation.max_length", p.Generation.MaxLength},
		{"generation.num_beams", p.Generation.NumBeams},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%s must be greater than 0", field.name)
		}
	}

	if p.ML.TokensMinFrequency < 0 {
		return fmt.Errorf("ml.tokens_min_frequency must not be negative")
	}
	if p.ML.TokenizerDropout < 0 || p.ML.TokenizerDropout >= 1 {
		return fmt.Errorf("ml.tokenizer_dropout must be in [0, 1)")
	}
	if p.ML.TrainLearningRate <= 0 {
		return fmt.Errorf("ml.train_learning_rate must be greater than 0")
	}
	if p.Generation.Temperature <= 0 {
		return fmt.Errorf("generation.temperature must be greater than 0")
	}
	if p.Generation.TopP <= 0 || p.Generation.TopP > 1 {
		return fmt.Errorf("generation.top_p must be in (0, 1]")
	}
	if p.Generation.RepetitionPenalty <= 0 {
		return fmt.Errorf("generation.repetition_penalty must be greater than 0")
	}

	switch config.Runtime.Backend {
	case "aitextgen", "dryrun":
	default:
		return fmt.Errorf("runtime.backend %q is not supported", config.Runtime.Backend)
	}

	if config.Runtime.Elastic.Enabled && config.Runtime.Elastic.URL == "" {
		return fmt.Errorf("runtime.elastic.url is required when elastic is enabled")
	}

	return nil
}
