package aitextgen

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

//go:embed bridge.py
var bridgeScript []byte

const (
	BridgeFile = "neoscratch_bridge.py"

	stderrTailBytes = 4096
)

type request struct {
	Op     string      `json:"op"`
	Params interface{} `json:"params"`
}

// event is one JSON line written by the bridge.
type event struct {
	Event   string  `json:"event"`
	Step    int     `json:"step,omitempty"`
	Loss    float64 `json:"loss,omitempty"`
	Path    string  `json:"path,omitempty"`
	Text    string  `json:"text,omitempty"`
	Type    string  `json:"type,omitempty"`
	Message string  `json:"message,omitempty"`
}

// installBridge writes the embedded script into dir, leaving an identical
// copy untouched.
func installBridge(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create bridge directory: %w", err)
	}
	path := filepath.Join(dir, BridgeFile)
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, bridgeScript) {
		return path, nil
	}
	if err := os.WriteFile(path, bridgeScript, 0644); err != nil {
		return "", fmt.Errorf("failed to write bridge script: %w", err)
	}
	return path, nil
}

// call runs one bridge operation. Progress events are handed to onEvent;
// "done" and "error" terminate the exchange.
func (b *Backend) call(ctx context.Context, op string, params interface{}, onEvent func(event)) error {
	payload, err := json.Marshal(request{Op: op, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.python, b.script)
	cmd.Stdin = bytes.NewReader(payload)
	stderr := &tailWriter{max: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach bridge output: %w", err)
	}

	b.logger.Debugf("bridge %s: %s %s", op, b.python, b.script)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	var failure *event
	done := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			b.logger.Debugf("bridge %s: %s", op, line)
			continue
		}
		switch ev.Event {
		case "done":
			done = true
		case "error":
			failure = &ev
		default:
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case failure != nil:
		return fmt.Errorf("%s: %s%s", failure.Type, failure.Message, stderr.suffix())
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		return fmt.Errorf("bridge %s exited: %w%s", op, waitErr, stderr.suffix())
	case scanErr != nil:
		return fmt.Errorf("failed to read bridge output: %w", scanErr)
	case !done:
		return fmt.Errorf("bridge %s ended without a result%s", op, stderr.suffix())
	}
	return nil
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	buf []byte
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) suffix() string {
	tail := strings.TrimSpace(string(w.buf))
	if tail == "" {
		return ""
	}
	return "\nstderr: " + tail
}
