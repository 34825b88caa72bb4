package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandActivator runs a local command such as
// "ollama create {{name}} -f {{manifest}}" to register a finalized model
type CommandActivator struct {
	Template string
	Timeout  time.Duration
}

// NewCommandActivator returns nil when template is empty
func NewCommandActivator(template string) *CommandActivator {
	if strings.TrimSpace(template) == "" {
		return nil
	}
	return &CommandActivator{Template: template, Timeout: 5 * time.Minute}
}

// Args expands the template into an argv
func (a *CommandActivator) Args(modelName, manifestPath string) []string {
	fields := strings.Fields(a.Template)
	for i, f := range fields {
		f = strings.ReplaceAll(f, "{{name}}", modelName)
		fields[i] = strings.ReplaceAll(f, "{{manifest}}", manifestPath)
	}
	return fields
}

func (a *CommandActivator) Activate(ctx context.Context, modelName, manifestPath string) error {
	args := a.Args(modelName, manifestPath)
	if len(args) == 0 {
		return fmt.Errorf("empty activation command")
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
