package execcmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	"orrery/internal/fileutil"
	"orrery/internal/logging"
	"orrery/internal/pipeline"
)

// CommandExecutor shells out to a configured external program for one stage
// operation.
type CommandExecutor struct {
	operation string
	template  string
	logger    *slog.Logger
}

// New builds a CommandExecutor from a command template.
func New(operation, template string, logger *slog.Logger) (*CommandExecutor, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("empty command template for operation %q", operation)
	}
	return &CommandExecutor{
		operation: operation,
		template:  template,
		logger:    logging.NewComponentLogger(logger, "execcmd"),
	}, nil
}

// Execute runs the configured command. When the requested output already
// exists the command is skipped entirely and the prior output is reused.
func (e *CommandExecutor) Execute(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	if req.OutputPath != "" && fileutil.Exists(req.OutputPath) {
		e.logger.Info("output exists, skipping stage command",
			logging.String(logging.FieldGroupID, req.GroupID),
			logging.String("operation", req.Operation),
			logging.String("output", req.OutputPath))
		return pipeline.Result{OutputPath: req.OutputPath}, nil
	}

	args := e.expand(req)
	if len(args) == 0 {
		return pipeline.Result{}, fmt.Errorf("command template for %q expanded to nothing", e.operation)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.logger.Info("stage command started",
		logging.String(logging.FieldGroupID, req.GroupID),
		logging.String("operation", req.Operation),
		logging.String("command", args[0]))

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return pipeline.Result{}, fmt.Errorf("%s: %w: %s", args[0], err, truncate(detail, 500))
		}
		return pipeline.Result{}, fmt.Errorf("%s: %w", args[0], err)
	}

	return pipeline.Result{OutputPath: req.OutputPath}, nil
}

// expand splits the template into fields and substitutes placeholders per
// field, so paths with spaces survive as single arguments.
func (e *CommandExecutor) expand(req pipeline.Request) []string {
	replacer := strings.NewReplacer(
		"{group}", req.GroupID,
		"{members}", strings.Join(req.Members, ","),
		"{input}", req.InputPath,
		"{output}", req.OutputPath,
		"{resources}", formatResources(req.Resources),
	)
	fields := strings.Fields(e.template)
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		out = append(out, replacer.Replace(field))
	}
	return out
}

func formatResources(resources map[string]string) string {
	if len(resources) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(resources))
	for kind := range resources {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	pairs := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		pairs = append(pairs, kind+"="+resources[kind])
	}
	return strings.Join(pairs, ",")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// FromConfig builds and registers a CommandExecutor for every configured
// stage command.
func FromConfig(registry *pipeline.Registry, commands map[string]string, logger *slog.Logger) error {
	for operation, template := range commands {
		executor, err := New(operation, template, logger)
		if err != nil {
			return err
		}
		registry.Register(operation, executor)
	}
	return nil
}
