package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseOptions_Defaults(t *testing.T) {
	opts, err := parseOptions(nil, env(map[string]string{"OMS_POSTGRES_DSN": " postgres://localhost/oms "}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.direction != "up" || opts.steps != 0 {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	if opts.dsn != "postgres://localhost/oms" {
		t.Fatalf("dsn must fall back to env, got %q", opts.dsn)
	}
}

func TestParseOptions_DownDefaultsToOneStep(t *testing.T) {
	opts, err := parseOptions([]string{"-direction", "DOWN", "-dsn", "postgres://flag/oms"}, env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.direction != "down" || opts.steps != 1 {
		t.Fatalf("expected one down step, got %+v", opts)
	}
	if opts.dsn != "postgres://flag/oms" {
		t.Fatalf("flag dsn must win, got %q", opts.dsn)
	}
}

func TestParseOptions_Errors(t *testing.T) {
	tests := map[string]struct {
		args    []string
		env     map[string]string
		wantErr string
	}{
		"missing dsn":       {args: nil, wantErr: "OMS_POSTGRES_DSN"},
		"bad direction":     {args: []string{"-direction", "sideways", "-dsn", "x"}, wantErr: "unsupported direction"},
		"negative steps":    {args: []string{"-steps", "-2", "-dsn", "x"}, wantErr: "steps"},
		"unknown flag":      {args: []string{"-force"}, wantErr: "flag provided but not defined"},
		"non-numeric steps": {args: []string{"-steps", "all", "-dsn", "x"}, wantErr: "invalid value"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseOptions(tt.args, env(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRun_Integration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("OMS_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("OMS_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := run(ctx, options{direction: "up", dsn: dsn}, &out); err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	if !strings.Contains(out.String(), "pending=0") {
		t.Fatalf("expected no pending migrations after up, got:\n%s", out.String())
	}

	out.Reset()
	if err := run(ctx, options{direction: "status", dsn: dsn}, &out); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out.String(), "migration status") {
		t.Fatalf("unexpected status output:\n%s", out.String())
	}
}
