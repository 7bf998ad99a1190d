package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// noAudioMarker is what edge-tts prints when the service returned nothing.
const noAudioMarker = "NoAudioReceived"

type execSynth struct {
	cmd    []string
	format string
}

// NewExecSynth wraps an edge-tts compatible command line. The command gets
// --voice, --rate, --pitch, --volume, --text and --write-media appended.
func NewExecSynth(command, format string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command is empty")
	}
	if format == "" {
		format = ".mp3"
	}
	if !strings.HasPrefix(format, ".") {
		format = "." + format
	}
	return &execSynth{cmd: args, format: format}, nil
}

func (e *execSynth) Format() string { return e.format }

func (e *execSynth) Synthesize(ctx context.Context, req Request) error {
	args := append([]string{}, e.cmd[1:]...)
	// Values go in --flag=value form: "-25%" or a message starting with "-"
	// would otherwise parse as a flag.
	args = append(args,
		"--voice", req.Voice,
		"--rate="+req.Rate,
		"--pitch="+req.Pitch,
		"--volume="+req.Volume,
		"--text="+req.Text,
		"--write-media", req.OutputPath,
	)

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if strings.Contains(stderr.String(), noAudioMarker) {
			return fmt.Errorf("%w: %s", ErrNoAudio, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil || info.Size() == 0 {
		return ErrNoAudio
	}
	return nil
}
