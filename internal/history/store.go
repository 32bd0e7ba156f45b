package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/verbyflow/verbyflow-core/internal/config"
)

// Transcript is an archived ledger entry. The in-memory ledger stays canonical
// for the live call; the archive backs transcript export across calls.
type Transcript struct {
	RowID          int64
	SessionID      string
	TranscriptID   string
	Self           bool
	Text           string
	Translation    string
	SourceLanguage string
	TargetLanguage string
	Final          bool
	SpokenAt       time.Time
}

// Store wraps a SQLite-backed transcript archive.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to config. Ephemeral retention opens
// no database and turns every operation into a no-op.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("transcript archive vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript archive prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    name TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    transcript_id TEXT NOT NULL,
    self INTEGER NOT NULL,
    text TEXT NOT NULL,
    translation TEXT,
    source_language TEXT,
    target_language TEXT,
    final INTEGER NOT NULL,
    spoken_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_spoken ON transcripts(session_id, spoken_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transcripts_session_id ON transcripts(session_id, transcript_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, name string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, name, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET name=excluded.name`,
		sessionID, name, s.clock().UTC().Format(time.RFC3339Nano))
	return err
}

// AppendTranscript upserts a ledger entry by its backend-assigned id.
func (s *Store) AppendTranscript(ctx context.Context, row Transcript) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if row.SpokenAt.IsZero() {
		row.SpokenAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, transcript_id, self, text, translation, source_language, target_language, final, spoken_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, transcript_id) DO UPDATE SET
		   text=excluded.text, final=excluded.final, spoken_at=excluded.spoken_at`,
		row.SessionID, row.TranscriptID, row.Self, row.Text, row.Translation,
		row.SourceLanguage, row.TargetLanguage, row.Final, row.SpokenAt.UTC().Format(time.RFC3339Nano))
	return err
}

// AttachTranslation sets the translation columns for an archived transcript.
// Unknown transcript ids are ignored, mirroring the live ledger's orphan rule.
func (s *Store) AttachTranslation(ctx context.Context, sessionID, transcriptID, text, targetLanguage string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE transcripts SET translation=?, target_language=?
		 WHERE session_id=? AND transcript_id=?`,
		text, targetLanguage, sessionID, transcriptID)
	return err
}

// ListTranscripts retrieves up to limit entries for a session ordered by the
// time they were spoken.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, transcript_id, self, text, COALESCE(translation, ''),
		        COALESCE(source_language, ''), COALESCE(target_language, ''), final, spoken_at
		 FROM transcripts WHERE session_id = ? ORDER BY spoken_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Transcript
	for rows.Next() {
		var item Transcript
		var spoken string
		if err := rows.Scan(&item.RowID, &item.SessionID, &item.TranscriptID, &item.Self, &item.Text,
			&item.Translation, &item.SourceLanguage, &item.TargetLanguage, &item.Final, &spoken); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, spoken); err == nil {
			item.SpokenAt = ts
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Prune applies the configured retention. Persistent mode never prunes.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode != "session" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		mark := cutoff.UTC().Format(time.RFC3339Nano)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE spoken_at < ?`, mark); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, mark); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
