package backend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// SampleDelimiter separates samples in a generation file, matching the
// layout aitextgen's generate_to_file produces.
var SampleDelimiter = strings.Repeat("=", 20)

func WriteSamples(w io.Writer, samples []string) error {
	bw := bufio.NewWriter(w)
	for _, sample := range samples {
		if _, err := fmt.Fprintf(bw, "%s\n%s\n", sample, SampleDelimiter); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadSamples splits a generation file back into its samples.
func ReadSamples(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return SplitSamples(string(data)), nil
}

func SplitSamples(content string) []string {
	var samples []string
	var current []string
	for _, line := range strings.Split(content, "\n") {
		if line == SampleDelimiter {
			samples = append(samples, strings.Join(current, "\n"))
			current = nil
			continue
		}
		current = append(current, line)
	}
	if rest := strings.TrimSpace(strings.Join(current, "\n")); rest != "" {
		samples = append(samples, rest)
	}
	return samples
}
