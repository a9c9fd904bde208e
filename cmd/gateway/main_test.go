package main

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestRun_ConfigErrorExitsNonZero(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MASTER_KEY", "")

	if code := run(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRun_ListenErrorExitsNonZero(t *testing.T) {
	t.Chdir(t.TempDir())

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	t.Setenv("MASTER_KEY", "mk-test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("PORT", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))

	if code := run(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRun_CancelExitsZero(t *testing.T) {
	t.Chdir(t.TempDir())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	t.Setenv("MASTER_KEY", "mk-test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("PORT", strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if code := run(ctx); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestBuildLogger(t *testing.T) {
	ctx := context.Background()
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"loud":  slog.LevelInfo,
	} {
		l := buildLogger(level)
		if !l.Enabled(ctx, want) || (want > slog.LevelDebug && l.Enabled(ctx, want-4)) {
			t.Errorf("buildLogger(%q): wrong minimum level", level)
		}
	}
}
