package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/joescharf/reviewd/internal/models"
)

// Output formats a CommandTool understands.
const (
	FormatSARIF = "sarif"
	FormatJSON  = "json"
)

// CommandTool runs a local analyzer binary and parses its stdout.
//
// Arguments may contain {revision}, {dir} and {files} placeholders. {files}
// expands to one argument per changed file, or is dropped when there are none.
type CommandTool struct {
	id      string
	command string
	args    []string
	format  string
	okCodes map[int]bool
}

// NewCommandTool creates a tool from cfg. Exit codes 0 and 1 are treated as
// success unless cfg lists its own.
func NewCommandTool(id string, cfg ToolConfig) *CommandTool {
	codes := cfg.OKExitCodes
	if len(codes) == 0 {
		codes = []int{0, 1}
	}
	ok := make(map[int]bool, len(codes))
	for _, c := range codes {
		ok[c] = true
	}
	format := cfg.Format
	if format == "" {
		format = FormatSARIF
	}
	return &CommandTool{id: id, command: cfg.Command, args: cfg.Args, format: format, okCodes: ok}
}

func (t *CommandTool) ID() string { return t.id }

// Run executes the tool in target.Dir. The process is killed when ctx ends.
func (t *CommandTool) Run(ctx context.Context, target Target) ([]models.RawFinding, error) {
	if t.command == "" {
		return nil, fmt.Errorf("tool %s: no command configured", t.id)
	}

	cmd := exec.CommandContext(ctx, t.command, t.expandArgs(target)...)
	cmd.Dir = target.Dir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || !t.okCodes[exitErr.ExitCode()] {
			return nil, fmt.Errorf("tool %s: %w: %s", t.id, err, strings.TrimSpace(stderr.String()))
		}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}

	switch t.format {
	case FormatJSON:
		return ParseFindings(string(out))
	default:
		return ParseSARIF(out)
	}
}

func (t *CommandTool) expandArgs(target Target) []string {
	args := make([]string, 0, len(t.args)+len(target.Files))
	for _, a := range t.args {
		if a == "{files}" {
			args = append(args, target.Files...)
			continue
		}
		a = strings.ReplaceAll(a, "{revision}", target.Revision)
		a = strings.ReplaceAll(a, "{dir}", target.Dir)
		args = append(args, a)
	}
	return args
}
