package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"livenote/internal/domain"
)

func TestBuildSuccess(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("LIVENOTE_CONFIG", "")
	t.Setenv("LIVENOTE_RULES_FILE", "")
	t.Setenv("LIVENOTE_BACKEND_URL", "wss://backend.example/session")
	t.Setenv("LIVENOTE_QUALITY_URL", "https://nlp.example/api")
	t.Setenv("LIVENOTE_ARCHIVE_ENABLED", "")
	t.Setenv("LIVENOTE_ARCHIVE_PATH", filepath.Join(home, "archive.sqlite"))

	services, err := Build("", noopEventSink{}, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer services.Close()

	if services.Controller == nil || services.Metrics == nil || services.Registry == nil {
		t.Fatalf("expected controller and metrics")
	}
	if services.Archive == nil {
		t.Fatalf("expected archive to be opened")
	}
	if status := services.Controller.Status(); status.State != domain.SessionStateIdle {
		t.Fatalf("unexpected initial state: %s", status.State)
	}
}

func TestBuildWithoutArchive(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("LIVENOTE_CONFIG", "")
	t.Setenv("LIVENOTE_RULES_FILE", "")
	t.Setenv("LIVENOTE_ARCHIVE_ENABLED", "false")

	services, err := Build("", noopEventSink{}, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if services.Archive != nil {
		t.Fatalf("archive should not be opened when disabled")
	}
	if err := services.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestBuildFailsOnInvalidRules(t *testing.T) {
	home := t.TempDir()
	rules := filepath.Join(home, "bad.rules")
	if err := os.WriteFile(rules, []byte("not a valid rule\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("LIVENOTE_CONFIG", "")
	t.Setenv("LIVENOTE_RULES_FILE", rules)

	if _, err := Build("", noopEventSink{}, nil); err == nil {
		t.Fatalf("expected build error due to invalid rules")
	}
}

func TestBuildFailsOnInvalidConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LIVENOTE_CONFIG", "")
	t.Setenv("LIVENOTE_TEMPLATE", "narrative")

	if _, err := Build("", noopEventSink{}, nil); err == nil {
		t.Fatalf("expected build error due to invalid template")
	}
}

type noopEventSink struct{}

func (noopEventSink) SessionStateChanged(_ domain.SessionState, _ domain.SessionStateReason) {}
func (noopEventSink) SegmentStored(_ domain.TranscriptSegment)                               {}
func (noopEventSink) SectionUpdated(_ domain.NoteSection)                                    {}
func (noopEventSink) RiskAlertsRaised(_ []domain.RiskAlert, _ bool)                          {}
func (noopEventSink) RiskAlertAcknowledged(_ domain.RiskAlert, _ bool)                       {}
func (noopEventSink) SessionError(_ domain.ErrorCode, _ string)                              {}
