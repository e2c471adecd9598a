// storage/journal.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

// ClipStatus is the lifecycle state of a journaled clip.
type ClipStatus string

const (
	ClipRecorded     ClipStatus = "recorded"
	ClipUploaded     ClipStatus = "uploaded"
	ClipUploadFailed ClipStatus = "upload_failed"
)

var ErrClipNotFound = errors.New("clip not found")

// ClipRecord is one finished clip as seen by the journal.
type ClipRecord struct {
	ID             string     `json:"id"`
	ClipID         string     `json:"clip_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        time.Time  `json:"ended_at"`
	Frames         int        `json:"frames"`
	Bytes          int64      `json:"bytes"`
	StopReason     string     `json:"stop_reason"`
	Status         ClipStatus `json:"status"`
	UploadAttempts int        `json:"upload_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	UploadedAt     *time.Time `json:"uploaded_at,omitempty"`
}

// clipRow is the on-disk shape. Timestamps are unix milliseconds so the same
// schema works on both sqlite and postgres.
type clipRow struct {
	ID             string         `db:"id"`
	ClipID         string         `db:"clip_id"`
	StartedAt      int64          `db:"started_at"`
	EndedAt        int64          `db:"ended_at"`
	Frames         int            `db:"frames"`
	Bytes          int64          `db:"bytes"`
	StopReason     string         `db:"stop_reason"`
	Status         string         `db:"status"`
	UploadAttempts int            `db:"upload_attempts"`
	LastError      sql.NullString `db:"last_error"`
	UploadedAt     sql.NullInt64  `db:"uploaded_at"`
}

func (r clipRow) record() ClipRecord {
	rec := ClipRecord{
		ID:             r.ID,
		ClipID:         r.ClipID,
		StartedAt:      time.UnixMilli(r.StartedAt).UTC(),
		EndedAt:        time.UnixMilli(r.EndedAt).UTC(),
		Frames:         r.Frames,
		Bytes:          r.Bytes,
		StopReason:     r.StopReason,
		Status:         ClipStatus(r.Status),
		UploadAttempts: r.UploadAttempts,
		LastError:      r.LastError.String,
	}
	if r.UploadedAt.Valid {
		t := time.UnixMilli(r.UploadedAt.Int64).UTC()
		rec.UploadedAt = &t
	}
	return rec
}

// JournalConfig selects the database behind the clip journal.
type JournalConfig struct {
	Driver          string // "sqlite" or "postgres"
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Journal keeps a durable record of every finished clip and its upload
// outcome.
type Journal struct {
	db     *sqlx.DB
	logger recorderlog.Logger
	now    func() time.Time
}

const clipColumns = `id, clip_id, started_at, ended_at, frames, bytes, stop_reason,
	status, upload_attempts, last_error, uploaded_at`

var journalSchema = []string{
	`CREATE TABLE IF NOT EXISTS clips (
		id VARCHAR(36) PRIMARY KEY,
		clip_id VARCHAR(255) NOT NULL UNIQUE,
		started_at BIGINT NOT NULL DEFAULT 0,
		ended_at BIGINT NOT NULL DEFAULT 0,
		frames INTEGER NOT NULL DEFAULT 0,
		bytes BIGINT NOT NULL DEFAULT 0,
		stop_reason VARCHAR(32) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL,
		upload_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		uploaded_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_clips_status ON clips(status)`,
	`CREATE INDEX IF NOT EXISTS idx_clips_started_at ON clips(started_at)`,
}

// OpenJournal connects to the configured database and creates the schema.
func OpenJournal(ctx context.Context, config JournalConfig) (*Journal, error) {
	switch config.Driver {
	case "sqlite", "postgres":
	case "":
		config.Driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", config.Driver)
	}
	if config.DSN == "" {
		return nil, errors.New("journal DSN is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 5
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if config.Driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY between the recorder and uploader
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxConnections)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: recorderlog.L().Named("clip-journal"),
		now:    time.Now,
	}
	for _, stmt := range journalSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
		}
	}
	return j, nil
}

// RecordClip stores a finished clip as awaiting upload. Recording the same
// clip id again refreshes its counters.
func (j *Journal) RecordClip(ctx context.Context, rec ClipRecord) error {
	now := j.now().UnixMilli()
	query := j.db.Rebind(`INSERT INTO clips
		(id, clip_id, started_at, ended_at, frames, bytes, stop_reason, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (clip_id) DO UPDATE SET
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			frames = excluded.frames,
			bytes = excluded.bytes,
			stop_reason = excluded.stop_reason,
			updated_at = excluded.updated_at`)
	_, err := j.db.ExecContext(ctx, query,
		uuid.NewString(), rec.ClipID, rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(),
		rec.Frames, rec.Bytes, rec.StopReason, string(ClipRecorded), now, now)
	if err != nil {
		return fmt.Errorf("failed to record clip %s: %w", rec.ClipID, err)
	}
	j.logger.Debug("Clip journaled",
		recorderlog.String("clip", rec.ClipID),
		recorderlog.Int("frames", rec.Frames),
		recorderlog.String("reason", rec.StopReason))
	return nil
}

// MarkUploaded flags a clip as delivered. Clips recorded before the journal
// existed are inserted on the fly.
func (j *Journal) MarkUploaded(ctx context.Context, clipID string) error {
	now := j.now().UnixMilli()
	query := j.db.Rebind(`INSERT INTO clips
		(id, clip_id, status, upload_attempts, uploaded_at, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (clip_id) DO UPDATE SET
			status = excluded.status,
			upload_attempts = clips.upload_attempts + 1,
			last_error = NULL,
			uploaded_at = excluded.uploaded_at,
			updated_at = excluded.updated_at`)
	if _, err := j.db.ExecContext(ctx, query, uuid.NewString(), clipID, string(ClipUploaded), now, now, now); err != nil {
		return fmt.Errorf("failed to mark clip %s uploaded: %w", clipID, err)
	}
	return nil
}

// MarkUploadFailed records a failed delivery attempt.
func (j *Journal) MarkUploadFailed(ctx context.Context, clipID string, cause error) error {
	now := j.now().UnixMilli()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query := j.db.Rebind(`INSERT INTO clips
		(id, clip_id, status, upload_attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (clip_id) DO UPDATE SET
			status = excluded.status,
			upload_attempts = clips.upload_attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`)
	if _, err := j.db.ExecContext(ctx, query, uuid.NewString(), clipID, string(ClipUploadFailed), msg, now, now); err != nil {
		return fmt.Errorf("failed to mark clip %s failed: %w", clipID, err)
	}
	return nil
}

// Get returns one clip by its clip id.
func (j *Journal) Get(ctx context.Context, clipID string) (*ClipRecord, error) {
	var row clipRow
	query := j.db.Rebind(`SELECT ` + clipColumns + ` FROM clips WHERE clip_id = ?`)
	if err := j.db.GetContext(ctx, &row, query, clipID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClipNotFound
		}
		return nil, fmt.Errorf("failed to get clip %s: %w", clipID, err)
	}
	rec := row.record()
	return &rec, nil
}

// Recent returns up to limit clips, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]ClipRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []clipRow
	query := j.db.Rebind(`SELECT ` + clipColumns + ` FROM clips
		ORDER BY started_at DESC, clip_id DESC LIMIT ?`)
	if err := j.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list clips: %w", err)
	}
	return toRecords(rows), nil
}

// Pending returns clips that have not been delivered yet, oldest first.
func (j *Journal) Pending(ctx context.Context) ([]ClipRecord, error) {
	var rows []clipRow
	query := j.db.Rebind(`SELECT ` + clipColumns + ` FROM clips
		WHERE status IN (?, ?) ORDER BY started_at, clip_id`)
	if err := j.db.SelectContext(ctx, &rows, query, string(ClipRecorded), string(ClipUploadFailed)); err != nil {
		return nil, fmt.Errorf("failed to list pending clips: %w", err)
	}
	return toRecords(rows), nil
}

func toRecords(rows []clipRow) []ClipRecord {
	out := make([]ClipRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out
}

func (j *Journal) HealthCheck(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error {
	return j.db.Close()
}
