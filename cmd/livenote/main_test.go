package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livenote/internal/archive"
	"livenote/internal/config"
	"livenote/internal/domain"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "livenote dev") {
		t.Fatalf("unexpected version output: %s", out)
	}
}

func TestRecordRequiresBackendURL(t *testing.T) {
	isolateConfig(t)

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"record"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "backend URL is required") {
		t.Fatalf("expected missing backend error, got %v", err)
	}
}

func TestArchiveListAndShow(t *testing.T) {
	home := isolateConfig(t)
	path := filepath.Join(home, "sessions.sqlite")
	t.Setenv("LIVENOTE_ARCHIVE_PATH", path)

	store, err := archive.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	started := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	export := domain.SessionExport{
		SessionID: "session-1",
		Template:  domain.TemplateSOAP,
		State:     domain.SessionStateEnded,
		StartedAt: started,
		EndedAt:   started.Add(90 * time.Second),
		Segments: []domain.TranscriptSegment{
			{ID: "s1", StartMs: 0, EndMs: 1200, Text: "client reports poor sleep", Confidence: 0.9},
		},
	}
	if err := store.Save(context.Background(), export); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	list := new(bytes.Buffer)
	cmd := newRootCmd()
	cmd.SetOut(list)
	cmd.SetArgs([]string{"archive", "list"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("archive list failed: %v", err)
	}
	if out := list.String(); !strings.Contains(out, "session-1") || !strings.Contains(out, "1m30s") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	show := new(bytes.Buffer)
	cmd = newRootCmd()
	cmd.SetOut(show)
	cmd.SetArgs([]string{"archive", "show", "session-1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("archive show failed: %v", err)
	}
	var loaded domain.SessionExport
	if err := json.Unmarshal(show.Bytes(), &loaded); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if loaded.SessionID != "session-1" || len(loaded.Segments) != 1 {
		t.Fatalf("unexpected export: %+v", loaded)
	}

	cmd = newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"archive", "show", "missing"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}

func TestInitLoggerFormats(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	initLogger(config.LoggingConfig{Level: "debug", Format: "json"}, buf).Debug("hello", "k", "v")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected json log line, got %q", buf.String())
	}

	buf.Reset()
	initLogger(config.LoggingConfig{Level: "warn", Format: "text"}, buf).Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}

func isolateConfig(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	for _, key := range []string{"LIVENOTE_CONFIG", "LIVENOTE_BACKEND_URL", "LIVENOTE_ARCHIVE_ENABLED", "LIVENOTE_ARCHIVE_PATH", "LIVENOTE_RULES_FILE", "LIVENOTE_TEMPLATE"} {
		t.Setenv(key, "")
	}
	return home
}
