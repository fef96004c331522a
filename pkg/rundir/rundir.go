package rundir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var DebugLog func(string, ...interface{})

// ErrDirectory wraps every failure to create a run directory.
var ErrDirectory = errors.New("directory error")

const (
	Prefix          = "04_gpt_neo_scratch_"
	TimestampLayout = "20060102150405"
	GenerationDir   = "generation"
)

var namePattern = regexp.MustCompile(`^` + Prefix + `\d{14}$`)

// RunName derives the run identifier from t in UTC at one-second resolution.
func RunName(t time.Time) string {
	return Prefix + Timestamp(t)
}

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Match reports whether name follows the run directory naming scheme.
func Match(name string) bool {
	return namePattern.MatchString(name)
}

type RunDirectory struct {
	Base      string
	Name      string
	Path      string
	Timestamp string
}

func New(base string, t time.Time) *RunDirectory {
	name := RunName(t)
	return &RunDirectory{
		Base:      base,
		Name:      name,
		Path:      filepath.Join(base, name),
		Timestamp: Timestamp(t),
	}
}

// Create makes the run directory and its parents. An existing directory is
// not an error. Nothing is removed on failure.
func (d *RunDirectory) Create() error {
	if err := os.MkdirAll(d.Path, 0755); err != nil {
		return fmt.Errorf("%w: failed to create run directory: %v", ErrDirectory, err)
	}
	if DebugLog != nil {
		DebugLog("run directory ready at %s", d.Path)
	}
	return nil
}

func (d *RunDirectory) GenerationPath() string {
	return filepath.Join(d.Path, GenerationDir)
}

func (d *RunDirectory) CreateGeneration() error {
	if err := os.MkdirAll(d.GenerationPath(), 0755); err != nil {
		return fmt.Errorf("%w: failed to create generation directory: %v", ErrDirectory, err)
	}
	return nil
}

// GenerationFile is the single output file of the generation stage.
func (d *RunDirectory) GenerationFile() string {
	return filepath.Join(d.GenerationPath(), d.Timestamp+".txt")
}
