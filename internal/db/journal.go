package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/labrobot/internal/control"
	"github.com/banshee-data/labrobot/internal/motion"
	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
	StatusHalted    = "halted"
)

var ErrRunNotFound = errors.New("run not found")

// Run is one drain of the command queue.
type Run struct {
	ID           string     `json:"run_id"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	CommandCount int        `json:"command_count"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// CommandRecord is one executed command of a run.
type CommandRecord struct {
	Index       int            `json:"index"`
	Kind        motion.Kind    `json:"kind"`
	Description string         `json:"description"`
	Instrument  string         `json:"instrument,omitempty"`
	Command     motion.Command `json:"command"`
	Error       string         `json:"error,omitempty"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// WireLine is one line exchanged with a simulated board.
type WireLine struct {
	Direction  string    `json:"direction"`
	Line       string    `json:"line"`
	RecordedAt time.Time `json:"recorded_at"`
}

// statusFor maps a run's outcome onto a status.
func statusFor(err error) string {
	switch {
	case err == nil:
		return StatusSucceeded
	case errors.Is(err, control.ErrHalted):
		return StatusHalted
	case errors.Is(err, control.ErrStopped):
		return StatusStopped
	default:
		return StatusFailed
	}
}

// StartRun records a new run and returns its id.
func (db *DB) StartRun(ctx context.Context, mode string, commands int) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, mode, status, command_count, started_unix_nanos) VALUES (?, ?, ?, ?, ?)`,
		id, mode, StatusRunning, commands, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	opsf("run %s started (%s, %d commands)", id, mode, commands)
	return id, nil
}

// FinishRun stamps the run with its outcome.
func (db *DB) FinishRun(ctx context.Context, runID string, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	status := statusFor(runErr)
	res, err := db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_unix_nanos = ? WHERE run_id = ?`,
		status, msg, time.Now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	opsf("run %s %s", runID, status)
	return nil
}

// RecordCommand stores the outcome of command index of a run.
func (db *DB) RecordCommand(ctx context.Context, runID string, index int, c motion.Command, cmdErr error) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	var msg sql.NullString
	if cmdErr != nil {
		msg = sql.NullString{String: cmdErr.Error(), Valid: true}
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_commands (run_id, idx, kind, description, instrument, command_json, error, recorded_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, index, string(c.Kind), c.Description, c.Instrument, string(payload), msg, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("record command %d: %w", index, err)
	}
	return nil
}

// RecordWireLine stores one "tx" or "rx" line.
func (db *DB) RecordWireLine(ctx context.Context, runID, direction, line string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO wire_lines (run_id, direction, line, recorded_unix_nanos) VALUES (?, ?, ?, ?)`,
		runID, direction, line, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("record wire line: %w", err)
	}
	return nil
}

func scanRun(scan func(...any) error) (Run, error) {
	var (
		r        Run
		msg      sql.NullString
		started  int64
		finished sql.NullInt64
	)
	if err := scan(&r.ID, &r.Mode, &r.Status, &r.CommandCount, &msg, &started, &finished); err != nil {
		return r, err
	}
	r.Error = msg.String
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

const runColumns = `run_id, mode, status, command_count, error, started_unix_nanos, finished_unix_nanos`

// GetRun returns one run.
func (db *DB) GetRun(ctx context.Context, runID string) (Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_unix_nanos DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunCommands returns the commands recorded for a run in order.
func (db *DB) RunCommands(ctx context.Context, runID string) ([]CommandRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT idx, kind, description, instrument, command_json, error, recorded_unix_nanos
		FROM run_commands WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CommandRecord{}
	for rows.Next() {
		var (
			rec      CommandRecord
			kind     string
			desc     sql.NullString
			inst     sql.NullString
			payload  string
			msg      sql.NullString
			recorded int64
		)
		if err := rows.Scan(&rec.Index, &kind, &desc, &inst, &payload, &msg, &recorded); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Command); err != nil {
			return nil, fmt.Errorf("decode command %d: %w", rec.Index, err)
		}
		rec.Kind = motion.Kind(kind)
		rec.Description = desc.String
		rec.Instrument = inst.String
		rec.Error = msg.String
		rec.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunWireLines returns the wire lines recorded for a run in order.
func (db *DB) RunWireLines(ctx context.Context, runID string) ([]WireLine, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT direction, line, recorded_unix_nanos FROM wire_lines WHERE run_id = ? ORDER BY line_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []WireLine{}
	for rows.Next() {
		var (
			w        WireLine
			recorded int64
		)
		if err := rows.Scan(&w.Direction, &w.Line, &recorded); err != nil {
			return nil, err
		}
		w.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

// PruneRuns deletes runs started before cutoff along with their
// commands and wire lines, returning how many runs were removed.
func (db *DB) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM runs WHERE started_unix_nanos < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		opsf("pruned %d runs started before %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
