// Package journal records sweep runs and the dataset files they wrote in a
// SQLite database, so that partial runs can be found and resumed by hand.
package journal

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/coupling.report/internal/monitoring"
	"github.com/banshee-data/coupling.report/internal/sweep"
)

var logf = monitoring.Component("journal")

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Journal is a sweep.Recorder backed by SQLite.
type Journal struct {
	db   *sql.DB
	path string
}

var _ sweep.Recorder = (*Journal)(nil)

// Open opens or creates the journal at path and applies migrations.
func Open(path string) (*Journal, error) {
	j, err := OpenUnmigrated(path)
	if err != nil {
		return nil, err
	}
	if err := j.MigrateUp(); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

// OpenUnmigrated opens the journal without touching its schema, for the
// migrate subcommand.
func OpenUnmigrated(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &Journal{db: db, path: path}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Run is one journaled run.
type Run struct {
	ID              string       `json:"id"`
	Root            string       `json:"root"`
	Plan            sweep.Plan   `json:"plan"`
	Status          sweep.Status `json:"status"`
	PointsTotal     int          `json:"points_total"`
	PointsPersisted int          `json:"points_persisted"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Point is one journaled dataset file.
type Point struct {
	RunID            string    `json:"run_id"`
	Path             string    `json:"path"`
	Folder           string    `json:"folder"`
	TemperatureLabel string    `json:"temperature_label"`
	LoopIteration    int       `json:"loop_iteration"`
	SParameter       string    `json:"s_parameter"`
	FieldIndex       int       `json:"field_index"`
	Field            float64   `json:"field"`
	RecordedAt       time.Time `json:"recorded_at"`
}

func (j *Journal) BeginRun(ctx context.Context, info sweep.RunInfo) error {
	if _, err := uuid.Parse(info.ID); err != nil {
		return fmt.Errorf("invalid run id %q: %w", info.ID, err)
	}
	plan, err := json.Marshal(info.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, root, plan_json, status, points_total, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.Plan.Root, string(plan), string(sweep.StatusRunningTemperature),
		info.Plan.TotalPoints(), info.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", info.ID, err)
	}
	return nil
}

func (j *Journal) RecordPoint(ctx context.Context, rec sweep.PointRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO points (run_id, path, folder, temperature_label, loop_iteration,
			s_parameter, field_index, field_oe, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Path, rec.Folder, rec.TemperatureLabel, rec.LoopIteration,
		rec.SParameter, rec.FieldIndex, rec.Field, rec.RecordedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert point %s: %w", rec.Path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET points_persisted = points_persisted + 1 WHERE run_id = ?`, rec.RunID,
	); err != nil {
		return fmt.Errorf("update run %s: %w", rec.RunID, err)
	}
	return tx.Commit()
}

func (j *Journal) FinishRun(ctx context.Context, res sweep.RunResult) error {
	out, err := j.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, points_persisted = ?, finished_at = ?, error = ?
		WHERE run_id = ?`,
		string(res.Status), res.PointsPersisted, res.FinishedAt.UnixNano(), res.Error, res.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", res.ID, err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, res.ID)
	}
	return nil
}

const runColumns = `run_id, root, plan_json, status, points_total, points_persisted, started_at, finished_at, error`

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run.
func (j *Journal) GetRun(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Points returns the files written by a run in the order they were saved.
func (j *Journal) Points(ctx context.Context, runID string) ([]Point, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, path, folder, temperature_label, loop_iteration,
			s_parameter, field_index, field_oe, recorded_at
		FROM points WHERE run_id = ? ORDER BY point_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var recorded int64
		if err := rows.Scan(&p.RunID, &p.Path, &p.Folder, &p.TemperatureLabel, &p.LoopIteration,
			&p.SParameter, &p.FieldIndex, &p.Field, &recorded); err != nil {
			return nil, err
		}
		p.RecordedAt = time.Unix(0, recorded).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r        Run
		planJSON string
		status   string
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.Root, &planJSON, &status, &r.PointsTotal, &r.PointsPersisted,
		&started, &finished, &r.Error); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(planJSON), &r.Plan); err != nil {
		return Run{}, fmt.Errorf("decode plan of run %s: %w", r.ID, err)
	}
	r.Status = sweep.Status(status)
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

// AttachAdminRoutes mounts a SQL console and a backup download on the
// debug handler.
func (j *Journal) AttachAdminRoutes(debug *tsweb.DebugHandler) error {
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(j.path), j.db, &tailsql.DBOptions{
		Label: "Sweep journal",
	})
	debug.Handle("tailsql/", "SQL console for the run journal", tsql.NewMux())
	debug.Handle("journal-backup", "Download a backup of the run journal", http.HandlerFunc(j.handleBackup))
	return nil
}

func (j *Journal) handleBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "journal-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)

	name := fmt.Sprintf("journal-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := j.db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		logf("backup copy failed: %v", err)
	}
}
