package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/loqalabs/aethra/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// NewExecRecognizer runs a local transcriber, e.g. a faster-whisper wrapper.
// The command receives --audio, --language and optionally --model and must
// print {"segments":[{"text":...}]} (or {"text":...}) on stdout.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, audioPath string, language string) ([]Segment, error) {
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", audioPath)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	if len(resp.Segments) == 0 && resp.Text != "" {
		return []Segment{{Text: resp.Text}}, nil
	}
	return resp.Segments, nil
}
