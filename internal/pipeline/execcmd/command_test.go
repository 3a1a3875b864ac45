package execcmd_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"orrery/internal/logging"
	"orrery/internal/pipeline"
	"orrery/internal/pipeline/execcmd"
	"orrery/internal/testsupport"
)

func TestExecuteRunsCommandWithPlaceholders(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "argv.txt")
	output := filepath.Join(dir, "out.fits")

	// The stub records its argv and creates the output.
	script := filepath.Join(dir, "solver.sh")
	content := "#!/bin/sh\necho \"$@\" > " + marker + "\ntouch \"$2\"\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}

	executor, err := execcmd.New("calibrate", script+" {members} {output} {resources}", logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	result, err := executor.Execute(context.Background(), pipeline.Request{
		GroupID:    "g-1",
		Operation:  "calibrate",
		Members:    []string{"/a.ms", "/b.ms"},
		OutputPath: output,
		Resources:  map[string]string{"gain": "/cal/g.tbl", "bandpass": "/cal/bp.tbl"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.OutputPath != output {
		t.Fatalf("unexpected output path %s", result.OutputPath)
	}

	recorded, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	argv := strings.TrimSpace(string(recorded))
	if !strings.Contains(argv, "/a.ms,/b.ms") {
		t.Fatalf("expected member list in argv, got %q", argv)
	}
	if !strings.Contains(argv, "bandpass=/cal/bp.tbl,gain=/cal/g.tbl") {
		t.Fatalf("expected sorted resources in argv, got %q", argv)
	}
}

func TestExecuteSkipsWhenOutputExists(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out.fits")
	testsupport.WriteFile(t, output, 16)

	// A command that would fail if it ever ran.
	executor, err := execcmd.New("image", "/nonexistent/imager {output}", logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	result, err := executor.Execute(context.Background(), pipeline.Request{
		GroupID:    "g-1",
		Operation:  "image",
		OutputPath: output,
	})
	if err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
	if result.OutputPath != output {
		t.Fatalf("unexpected output path %s", result.OutputPath)
	}
}

func TestExecuteSurfacesStderr(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "broken.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'solver diverged' >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	executor, err := execcmd.New("calibrate", script, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	_, err = executor.Execute(context.Background(), pipeline.Request{
		GroupID:    "g-1",
		OutputPath: filepath.Join(dir, "missing.out"),
	})
	if err == nil {
		t.Fatal("expected command failure")
	}
	if !strings.Contains(err.Error(), "solver diverged") {
		t.Fatalf("expected stderr detail in error, got %v", err)
	}
}

func TestNewRejectsEmptyTemplate(t *testing.T) {
	if _, err := execcmd.New("calibrate", "  ", logging.NewNop()); err == nil {
		t.Fatal("expected error for empty template")
	}
}

func TestFromConfigRegistersAll(t *testing.T) {
	registry := pipeline.NewRegistry()
	commands := map[string]string{
		"calibrate": "/usr/bin/true {output}",
		"image":     "/usr/bin/true {output}",
	}
	if err := execcmd.FromConfig(registry, commands, logging.NewNop()); err != nil {
		t.Fatal(err)
	}
	ops := registry.Operations()
	if len(ops) != 2 || ops[0] != "calibrate" || ops[1] != "image" {
		t.Fatalf("unexpected operations %v", ops)
	}
}
