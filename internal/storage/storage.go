package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs and the volume catalog.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes workers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS volumes (
            path TEXT PRIMARY KEY,
            pages INTEGER,
            width INTEGER,
            height INTEGER,
            bits_per_sample INTEGER,
            size_bytes INTEGER,
            mod_time INTEGER,
            present BOOLEAN DEFAULT TRUE,
            error_message TEXT,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS volume_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_volume_events_path ON volume_events(path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input"`
	OutputPath  string     `json:"output"`
	OptionsJSON string     `json:"options"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// VolumeRecord is one catalogued TIFF stack.
type VolumeRecord struct {
	Path          string    `json:"path"`
	Pages         int       `json:"pages"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	BitsPerSample int       `json:"bitsPerSample"`
	SizeBytes     int64     `json:"sizeBytes"`
	ModTime       time.Time `json:"modTime"`
	Present       bool      `json:"present"`
	Error         string    `json:"error,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job returns one job by id.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	var rec JobRecord
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	err := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id).
		Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.CreatedAt, &started, &completed, &errorMsg)
	if err != nil {
		return JobRecord{}, err
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// UpsertVolume records or refreshes a catalogued stack.
func (s *Store) UpsertVolume(rec VolumeRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO volumes (path, pages, width, height, bits_per_sample, size_bytes, mod_time, present, error_message, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.Path, rec.Pages, rec.Width, rec.Height, rec.BitsPerSample, rec.SizeBytes, rec.ModTime.Unix(), rec.Present, rec.Error)
	return err
}

// MarkVolumeRemoved flags a stack as no longer on disk.
func (s *Store) MarkVolumeRemoved(path string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE volumes SET present=FALSE, updated_at=CURRENT_TIMESTAMP WHERE path=?;`, path)
	return err
}

// Volumes lists catalogued stacks ordered by path. Removed stacks are
// included only when all is true.
func (s *Store) Volumes(all bool) ([]VolumeRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	query := `SELECT path, pages, width, height, bits_per_sample, size_bytes, mod_time, present, error_message FROM volumes`
	if !all {
		query += ` WHERE present`
	}
	rows, err := s.DB.Query(query + ` ORDER BY path;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []VolumeRecord
	for rows.Next() {
		var rec VolumeRecord
		var modTime int64
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.Path, &rec.Pages, &rec.Width, &rec.Height, &rec.BitsPerSample, &rec.SizeBytes, &modTime, &rec.Present, &errorMsg); err != nil {
			return nil, err
		}
		rec.ModTime = time.Unix(modTime, 0)
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordVolumeEvent appends a filesystem event for a stack.
func (s *Store) RecordVolumeEvent(path, eventType string, at time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO volume_events (path, event_type, event_time) VALUES (?, ?, ?);`, path, eventType, at.Unix())
	return err
}

// VolumeEventCount returns how many events were recorded for path.
func (s *Store) VolumeEventCount(path string) (int, error) {
	if s == nil {
		return 0, errors.New("store not initialized")
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM volume_events WHERE path=?;`, path).Scan(&n)
	return n, err
}
