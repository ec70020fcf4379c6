// Package cohort records segmentation runs in a SQLite database so that
// volumes can be compared across subjects.
package cohort

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chpseg/pkg/metrics"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

//go:embed schema.sql
var schemaSQL string

// Store is a cohort database
type Store struct {
	db *sql.DB
}

// Run is one recorded pipeline invocation
type Run struct {
	ID          string
	Subject     string
	SubjectsDir string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	Error       string

	// Volumes maps output image names to their voxel counts
	Volumes map[string]int

	// Hemispheres holds the recorded metrics, ordered by name. Missing
	// Dice or contrast values are NaN.
	Hemispheres []metrics.Hemisphere
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cohort schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a running record and returns its identifier
func (s *Store) StartRun(ctx context.Context, subject, subjectsDir string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, subject, subjects_dir, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		id, subject, subjectsDir, time.Now().UnixNano(), StatusRunning)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// RecordVolume stores the voxel count of one output image
func (s *Store) RecordVolume(ctx context.Context, runID, image string, voxels int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO volumes (run_id, image, voxels)
		VALUES (?, ?, ?)`,
		runID, image, voxels)
	if err != nil {
		return fmt.Errorf("failed to record volume %s: %w", image, err)
	}
	return nil
}

// RecordHemisphere stores the quality metrics of one hemisphere
func (s *Store) RecordHemisphere(ctx context.Context, runID string, h metrics.Hemisphere) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO hemispheres
			(run_id, hemisphere, mask_voxels, coarse_voxels, refined_voxels, dice, contrast)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, h.Name, h.MaskVoxels, h.CoarseVoxels, h.RefinedVoxels, finite(h.Dice), finite(h.Contrast))
	if err != nil {
		return fmt.Errorf("failed to record hemisphere %s: %w", h.Name, err)
	}
	return nil
}

// finite maps NaN and infinities to NULL
func finite(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// FinishRun sets the final status of a run. runErr may be nil.
func (s *Store) FinishRun(ctx context.Context, runID, status string, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, error = ?
		WHERE run_id = ?`,
		time.Now().UnixNano(), status, msg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to finish run: unknown run %s", runID)
	}
	return nil
}

// ListRuns returns runs newest first, optionally restricted to one subject
func (s *Store) ListRuns(ctx context.Context, subject string) ([]*Run, error) {
	query := `
		SELECT run_id, subject, subjects_dir, started_at, finished_at, status, error
		FROM runs`
	var args []any
	if subject != "" {
		query += ` WHERE subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	byID := make(map[string]*Run)
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
			msg      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Subject, &r.SubjectsDir, &started, &finished, &r.Status, &msg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64)
		}
		r.Error = msg.String
		r.Volumes = make(map[string]int)
		runs = append(runs, &r)
		byID[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	vrows, err := s.db.QueryContext(ctx, `SELECT run_id, image, voxels FROM volumes`)
	if err != nil {
		return nil, fmt.Errorf("query volumes: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var id, image string
		var voxels int
		if err := vrows.Scan(&id, &image, &voxels); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		if r, ok := byID[id]; ok {
			r.Volumes[image] = voxels
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, err
	}
	vrows.Close()

	if err := s.loadHemispheres(ctx, byID); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) loadHemispheres(ctx context.Context, byID map[string]*Run) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, hemisphere, mask_voxels, coarse_voxels, refined_voxels, dice, contrast
		FROM hemispheres ORDER BY run_id, hemisphere`)
	if err != nil {
		return fmt.Errorf("query hemispheres: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id             string
			h              metrics.Hemisphere
			dice, contrast sql.NullFloat64
		)
		if err := rows.Scan(&id, &h.Name, &h.MaskVoxels, &h.CoarseVoxels, &h.RefinedVoxels, &dice, &contrast); err != nil {
			return fmt.Errorf("scan hemisphere: %w", err)
		}
		h.Dice, h.Contrast = orNaN(dice), orNaN(contrast)
		if h.CoarseVoxels > 0 {
			h.RetainedFraction = float64(h.RefinedVoxels) / float64(h.CoarseVoxels)
		}
		if r, ok := byID[id]; ok {
			r.Hemispheres = append(r.Hemispheres, h)
		}
	}
	return rows.Err()
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// VolumeNames returns the sorted image names of a run
func (r *Run) VolumeNames() []string {
	names := make([]string, 0, len(r.Volumes))
	for name := range r.Volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
