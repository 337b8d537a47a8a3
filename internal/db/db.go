package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/brickwire/internal/control"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/link"
)

// DB records link sessions, commands and telemetry. Every row belongs to
// the link session that was active when it was written; a new session
// starts at every mode switch.
type DB struct {
	*sql.DB
	path string

	mu      sync.Mutex
	session string
}

// pragmas are applied to every connection opened by OpenDB.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps the pragmas and in-memory databases consistent
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database, applies pending migrations and starts a
// simulation session.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.startSession(link.Switch{To: link.ModeSimulation, Reason: "startup", At: time.Now()}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SessionID returns the id of the current link session.
func (db *DB) SessionID() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.session
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

func (db *DB) startSession(sw link.Switch) error {
	id := uuid.NewString()
	at := unixSeconds(sw.At)

	db.mu.Lock()
	defer db.mu.Unlock()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if db.session != "" {
		if _, err := tx.Exec(`UPDATE link_sessions SET ended_at = ? WHERE session_id = ?`, at, db.session); err != nil {
			return fmt.Errorf("failed to end session %s: %w", db.session, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO link_sessions (session_id, mode, serial, epoch, reason, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sw.To.String(), string(sw.Serial), sw.Epoch, sw.Reason, at,
	); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.session = id
	return nil
}

// RecordSwitch closes the current session and opens one for the new mode.
func (db *DB) RecordSwitch(sw link.Switch) error {
	return db.startSession(sw)
}

// RecordCommand stores one sent mailbox message.
func (db *DB) RecordCommand(mode link.Mode, mailbox string, p ev3.Payload, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO commands (session_id, mode, mailbox, kind, payload, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
		db.SessionID(), mode.String(), mailbox, p.Kind.String(), p.String(), unixSeconds(at),
	)
	return err
}

// RecordTelemetry stores one control loop reading.
func (db *DB) RecordTelemetry(r control.Reading) error {
	_, err := db.Exec(
		`INSERT INTO telemetry (
			session_id, seq, epoch, mode, raw, motion, task_ready, angle, distance,
			obstacle, angle_delta, distance_delta, calibrated, dispatched, read_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		db.SessionID(), r.Seq, r.Epoch, r.Mode, r.Raw, r.Motion, r.TaskReady, r.Angle, r.Distance,
		r.Obstacle, r.AngleDelta, r.DistanceDelta, r.Calibrated, r.Dispatched, unixSeconds(r.At),
	)
	return err
}

// LinkSession is one row of link_sessions.
type LinkSession struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode"`
	Serial    string     `json:"serial,omitempty"`
	Epoch     uint64     `json:"epoch"`
	Reason    string     `json:"reason"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Sessions returns the most recent link sessions, newest first.
func (db *DB) Sessions(limit int) ([]LinkSession, error) {
	rows, err := db.Query(`SELECT session_id, mode, serial, epoch, reason, started_at, ended_at
		FROM link_sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []LinkSession
	for rows.Next() {
		var (
			s       LinkSession
			started float64
			ended   sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.Mode, &s.Serial, &s.Epoch, &s.Reason, &started, &ended); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			t := fromUnixSeconds(ended.Float64)
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Command is one row of commands.
type Command struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Mailbox   string    `json:"mailbox"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	SentAt    time.Time `json:"sent_at"`
}

// Commands returns the commands of session, oldest first. An empty session
// means every session.
func (db *DB) Commands(session string, limit int) ([]Command, error) {
	rows, err := db.Query(`SELECT session_id, mode, mailbox, kind, payload, sent_at FROM commands
		WHERE ? = '' OR session_id = ? ORDER BY command_id LIMIT ?`, session, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		var (
			c    Command
			sent float64
		)
		if err := rows.Scan(&c.SessionID, &c.Mode, &c.Mailbox, &c.Kind, &c.Payload, &sent); err != nil {
			return nil, err
		}
		c.SentAt = fromUnixSeconds(sent)
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// Telemetry returns the latest readings of session, oldest first. An empty
// session means every session.
func (db *DB) Telemetry(session string, limit int) ([]control.Reading, error) {
	rows, err := db.Query(`SELECT seq, epoch, mode, raw, motion, task_ready, angle, distance, obstacle,
			angle_delta, distance_delta, calibrated, dispatched, read_at
		FROM (
			SELECT * FROM telemetry WHERE ? = '' OR session_id = ?
			ORDER BY reading_id DESC LIMIT ?
		) ORDER BY reading_id`, session, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []control.Reading
	for rows.Next() {
		var (
			r  control.Reading
			at float64
		)
		if err := rows.Scan(&r.Seq, &r.Epoch, &r.Mode, &r.Raw, &r.Motion, &r.TaskReady, &r.Angle, &r.Distance,
			&r.Obstacle, &r.AngleDelta, &r.DistanceDelta, &r.Calibrated, &r.Dispatched, &at); err != nil {
			return nil, err
		}
		r.At = fromUnixSeconds(at)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Brick recorder",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("brickwire-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			log.Printf("Failed to stream backup: %v", err)
		}
	}))
}
