package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"orrery/internal/publish"
	"orrery/internal/units"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, ctx)
		},
	}
}

func runStatus(cmd *cobra.Command, ctx *commandContext) error {
	unitStore, err := ctx.unitStore()
	if err != nil {
		return err
	}
	groupStore, err := ctx.groupStore()
	if err != nil {
		return err
	}
	recordStore, err := ctx.recordStore()
	if err != nil {
		return err
	}

	cmdCtx := cmd.Context()
	unitCounts, err := unitStore.CountByStatus(cmdCtx)
	if err != nil {
		return err
	}
	health, err := groupStore.Health(cmdCtx)
	if err != nil {
		return err
	}
	recordCounts, err := recordStore.CountByStatus(cmdCtx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	lines := make([]string, 0, 16)

	lines = append(lines, renderSectionHeader("Input units", colorize)...)
	lines = append(lines,
		renderStatusLine("pending", statusInfo, fmt.Sprintf("%d", unitCounts[units.StatusPending]), colorize),
		renderStatusLine("done", statusOK, fmt.Sprintf("%d", unitCounts[units.StatusDone]), colorize),
		renderStatusLine("assigned", statusOK, fmt.Sprintf("%d", unitCounts[units.StatusAssigned]), colorize),
		renderStatusLine("failed", failKind(unitCounts[units.StatusFailed]), fmt.Sprintf("%d", unitCounts[units.StatusFailed]), colorize),
		"")

	lines = append(lines, renderSectionHeader("Groups", colorize)...)
	lines = append(lines,
		renderStatusLine("total", statusInfo, fmt.Sprintf("%d", health.Total), colorize),
		renderStatusLine("pending", statusInfo, fmt.Sprintf("%d", health.Pending), colorize),
		renderStatusLine("in progress", statusInfo, fmt.Sprintf("%d", health.InProgress), colorize),
		renderStatusLine("done", statusOK, fmt.Sprintf("%d", health.Done), colorize),
		renderStatusLine("failed", failKind(health.Failed), fmt.Sprintf("%d", health.Failed), colorize),
		"")

	lines = append(lines, renderSectionHeader("Data records", colorize)...)
	lines = append(lines,
		renderStatusLine("staging", statusInfo, fmt.Sprintf("%d", recordCounts[publish.StatusStaging]), colorize),
		renderStatusLine("publishing", statusInfo, fmt.Sprintf("%d", recordCounts[publish.StatusPublishing]), colorize),
		renderStatusLine("published", statusOK, fmt.Sprintf("%d", recordCounts[publish.StatusPublished]), colorize),
		renderStatusLine("failed", failKind(recordCounts[publish.StatusFailed]), fmt.Sprintf("%d", recordCounts[publish.StatusFailed]), colorize))

	fmt.Fprintln(out, strings.Join(lines, "\n"))
	return nil
}

func failKind(count int) statusKind {
	if count > 0 {
		return statusError
	}
	return statusOK
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
