package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	res, err := New().Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := New().Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, expected 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stderr) != "boom" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	_, err := New().Run(context.Background(), Command{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout did not abort promptly, took %v", elapsed)
	}
}

func TestRunEmptyName(t *testing.T) {
	if _, err := New().Run(context.Background(), Command{}); err == nil {
		t.Fatal("expected error for empty command name")
	}
}

func TestCombined(t *testing.T) {
	if got := (Result{Stdout: "a", Stderr: "b"}).Combined(); got != "a\nb" {
		t.Fatalf("Combined = %q", got)
	}
	if got := (Result{Stderr: "b"}).Combined(); got != "b" {
		t.Fatalf("Combined = %q", got)
	}
	if got := (Result{Stdout: "a"}).Combined(); got != "a" {
		t.Fatalf("Combined = %q", got)
	}
}
