package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"livenote/internal/domain"
)

var ErrNotFound = errors.New("session not found in archive")

// Store persists ended sessions to a local SQLite database.
type Store struct {
	db *sql.DB
}

// SessionSummary is one row of the archive listing.
type SessionSummary struct {
	ID        string
	Template  domain.TemplateKind
	State     domain.SessionState
	StartedAt time.Time
	EndedAt   time.Time
	Segments  int
	Alerts    int
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	template TEXT NOT NULL,
	state TEXT NOT NULL,
	startedAt REAL NOT NULL,
	endedAt REAL NOT NULL,
	createdAt REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	startMs INTEGER NOT NULL,
	endMs INTEGER NOT NULL,
	speaker TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	confidence REAL NOT NULL,
	PRIMARY KEY (sessionId, id)
);

CREATE TABLE IF NOT EXISTS sections (
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	key TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	issues TEXT NOT NULL,
	evidence TEXT NOT NULL,
	manuallyEdited INTEGER NOT NULL,
	PRIMARY KEY (sessionId, key)
);

CREATE TABLE IF NOT EXISTS alerts (
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	evidence TEXT NOT NULL,
	segmentId TEXT NOT NULL DEFAULT '',
	timestampMs INTEGER NOT NULL,
	acknowledged INTEGER NOT NULL,
	source TEXT NOT NULL,
	batch TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (sessionId, id)
);
`

// DefaultPath returns the default archive location under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "livenote", "sessions.sqlite")
}

// Open opens (and creates if needed) the archive database with WAL.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// A single connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes an export, replacing any earlier copy of the same session.
func (s *Store) Save(ctx context.Context, export domain.SessionExport) error {
	if export.SessionID == "" {
		return errors.New("archive: export has no session id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"segments", "sections", "alerts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE sessionId = ?", export.SessionID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, template, state, startedAt, endedAt, createdAt)
		VALUES (?, ?, ?, ?, ?, ?)
	`, export.SessionID, string(export.Template), string(export.State),
		unixFromTime(export.StartedAt), unixFromTime(export.EndedAt), unixFromTime(time.Now())); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, seg := range export.Segments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO segments (sessionId, id, startMs, endMs, speaker, text, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, export.SessionID, seg.ID, seg.StartMs, seg.EndMs, seg.SpeakerLabel, seg.Text, seg.Confidence); err != nil {
			return fmt.Errorf("insert segment %s: %w", seg.ID, err)
		}
	}

	for i, section := range export.Sections {
		issues, err := json.Marshal(nonNil(section.Issues))
		if err != nil {
			return fmt.Errorf("encode issues for %s: %w", section.Key, err)
		}
		evidence, err := json.Marshal(nonNil(section.Evidence))
		if err != nil {
			return fmt.Errorf("encode evidence for %s: %w", section.Key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sections (sessionId, position, key, title, content, issues, evidence, manuallyEdited)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, export.SessionID, i, string(section.Key), section.Title, section.Content,
			string(issues), string(evidence), section.ManuallyEdited); err != nil {
			return fmt.Errorf("insert section %s: %w", section.Key, err)
		}
	}

	for _, alert := range export.Alerts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (sessionId, id, type, severity, evidence, segmentId, timestampMs, acknowledged, source, batch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, export.SessionID, alert.ID, alert.Type, string(alert.Severity), alert.Evidence, alert.SegmentID,
			alert.TimestampMs, alert.Acknowledged, string(alert.Source), alert.Batch); err != nil {
			return fmt.Errorf("insert alert %s: %w", alert.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// Sessions lists archived sessions, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.template, s.state, s.startedAt, s.endedAt,
			(SELECT COUNT(*) FROM segments g WHERE g.sessionId = s.id),
			(SELECT COUNT(*) FROM alerts a WHERE a.sessionId = s.id)
		FROM sessions s
		ORDER BY s.startedAt DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var summary SessionSummary
		var template, state string
		var startedAt, endedAt float64
		if err := rows.Scan(&summary.ID, &template, &state, &startedAt, &endedAt,
			&summary.Segments, &summary.Alerts); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summary.Template = domain.TemplateKind(template)
		summary.State = domain.SessionState(state)
		summary.StartedAt = timeFromUnix(startedAt)
		summary.EndedAt = timeFromUnix(endedAt)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// Load rebuilds the export for one archived session.
func (s *Store) Load(ctx context.Context, sessionID string) (domain.SessionExport, error) {
	var export domain.SessionExport
	var template, state string
	var startedAt, endedAt float64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, template, state, startedAt, endedAt FROM sessions WHERE id = ?
	`, sessionID).Scan(&export.SessionID, &template, &state, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionExport{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return domain.SessionExport{}, fmt.Errorf("scan session: %w", err)
	}
	export.Template = domain.TemplateKind(template)
	export.State = domain.SessionState(state)
	export.StartedAt = timeFromUnix(startedAt)
	export.EndedAt = timeFromUnix(endedAt)

	if export.Segments, err = s.loadSegments(ctx, sessionID); err != nil {
		return domain.SessionExport{}, err
	}
	if export.Sections, err = s.loadSections(ctx, sessionID); err != nil {
		return domain.SessionExport{}, err
	}
	if export.Alerts, err = s.loadAlerts(ctx, sessionID); err != nil {
		return domain.SessionExport{}, err
	}
	return export, nil
}

func (s *Store) loadSegments(ctx context.Context, sessionID string) ([]domain.TranscriptSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, startMs, endMs, speaker, text, confidence
		FROM segments WHERE sessionId = ?
		ORDER BY startMs ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []domain.TranscriptSegment
	for rows.Next() {
		var seg domain.TranscriptSegment
		if err := rows.Scan(&seg.ID, &seg.StartMs, &seg.EndMs, &seg.SpeakerLabel, &seg.Text, &seg.Confidence); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *Store) loadSections(ctx context.Context, sessionID string) ([]domain.NoteSection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, title, content, issues, evidence, manuallyEdited
		FROM sections WHERE sessionId = ?
		ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()

	var out []domain.NoteSection
	for rows.Next() {
		var section domain.NoteSection
		var key, issues, evidence string
		if err := rows.Scan(&key, &section.Title, &section.Content, &issues, &evidence, &section.ManuallyEdited); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		section.Key = domain.SectionKey(key)
		if err := json.Unmarshal([]byte(issues), &section.Issues); err != nil {
			return nil, fmt.Errorf("decode issues for %s: %w", key, err)
		}
		if err := json.Unmarshal([]byte(evidence), &section.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence for %s: %w", key, err)
		}
		out = append(out, section)
	}
	return out, rows.Err()
}

func (s *Store) loadAlerts(ctx context.Context, sessionID string) ([]domain.RiskAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, severity, evidence, segmentId, timestampMs, acknowledged, source, batch
		FROM alerts WHERE sessionId = ?
		ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskAlert
	for rows.Next() {
		var alert domain.RiskAlert
		var severity, source string
		if err := rows.Scan(&alert.ID, &alert.Type, &severity, &alert.Evidence, &alert.SegmentID,
			&alert.TimestampMs, &alert.Acknowledged, &source, &alert.Batch); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alert.Severity = domain.Severity(severity)
		alert.Source = domain.AlertSource(source)
		out = append(out, alert)
	}
	return out, rows.Err()
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func unixFromTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
