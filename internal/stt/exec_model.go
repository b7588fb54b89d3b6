package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

var errNoLogits = errors.New("acoustic model returned no logits")

// execModel runs an external inference command per clip. The command reads
// an execRequest as JSON on stdin and writes an execResult on stdout.
type execModel struct {
	cmd []string
	dir string
}

type execRequest struct {
	SampleRate  int       `json:"sample_rate"`
	InputValues []float32 `json:"input_values"`
}

type execResult struct {
	Logits [][]float32 `json:"logits"`
}

// NewExecModel parses command with shell quoting rules. dir is the working
// directory of the command, normally the model bundle.
func NewExecModel(command, dir string) (AcousticModel, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse acoustic command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("acoustic command is empty")
	}
	return &execModel{cmd: args, dir: dir}, nil
}

func (m *execModel) Forward(ctx context.Context, f Features) (Logits, error) {
	payload, err := json.Marshal(execRequest{SampleRate: f.SampleRate, InputValues: f.Values})
	if err != nil {
		return Logits{}, fmt.Errorf("encode features: %w", err)
	}

	command := exec.CommandContext(ctx, m.cmd[0], m.cmd[1:]...)
	command.Dir = m.dir
	command.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Logits{}, fmt.Errorf("acoustic command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Logits{}, fmt.Errorf("decode acoustic response: %w", err)
	}
	if resp.Logits == nil {
		return Logits{}, errNoLogits
	}
	return NewLogits(resp.Logits)
}
