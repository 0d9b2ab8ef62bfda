// Package archive persists finished workflows and terminated call sessions
// to SQLite so they survive process restarts and session eviction.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/axiomvoice/axiom/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	to_number TEXT NOT NULL,
	callback_number TEXT,
	transcript TEXT,
	summary TEXT,
	recording_url TEXT,
	callback_sid TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	call_sid TEXT PRIMARY KEY,
	from_number TEXT,
	turns TEXT NOT NULL,
	turn_count INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP NOT NULL
);
`

// Archive is a durable write-behind store. All writes are upserts so
// finalization paths may run more than once.
type Archive struct {
	db *sql.DB
}

// Open opens (and if needed creates) the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveWorkflow upserts one workflow record.
func (a *Archive) SaveWorkflow(wf model.Workflow) error {
	_, err := a.db.Exec(`
		INSERT INTO workflows
			(id, kind, to_number, callback_number, transcript, summary,
			 recording_url, callback_sid, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			transcript = excluded.transcript,
			summary = excluded.summary,
			recording_url = excluded.recording_url,
			callback_sid = excluded.callback_sid,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, wf.ID, string(wf.Kind), wf.To, wf.CallbackNumber, wf.Transcript, wf.Summary,
		wf.RecordingURL, wf.CallbackSID, string(wf.Status), wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// Workflow loads one archived workflow by id.
func (a *Archive) Workflow(id string) (model.Workflow, error) {
	row := a.db.QueryRow(`
		SELECT id, kind, to_number, callback_number, transcript, summary,
		       recording_url, callback_sid, status, created_at, updated_at
		FROM workflows WHERE id = ?
	`, id)

	var wf model.Workflow
	var kind, status string
	if err := row.Scan(&wf.ID, &kind, &wf.To, &wf.CallbackNumber, &wf.Transcript,
		&wf.Summary, &wf.RecordingURL, &wf.CallbackSID, &status,
		&wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return model.Workflow{}, fmt.Errorf("load workflow %s: %w", id, err)
	}
	wf.Kind = model.WorkflowKind(kind)
	wf.Status = model.WorkflowStatus(status)
	return wf, nil
}

// SaveSession upserts one terminated call session, turns encoded as JSON.
func (a *Archive) SaveSession(s model.CallSession) error {
	turns, err := json.Marshal(s.Turns)
	if err != nil {
		return fmt.Errorf("encode turns for %s: %w", s.CallSID, err)
	}
	_, err = a.db.Exec(`
		INSERT INTO sessions (call_sid, from_number, turns, turn_count, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_sid) DO UPDATE SET
			turns = excluded.turns,
			turn_count = excluded.turn_count,
			ended_at = excluded.ended_at
	`, s.CallSID, s.From, string(turns), len(s.Turns), s.CreatedAt, s.LastActivity)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.CallSID, err)
	}
	return nil
}

// Session loads one archived session by call SID.
func (a *Archive) Session(callSID string) (model.CallSession, error) {
	row := a.db.QueryRow(`
		SELECT call_sid, from_number, turns, created_at, ended_at
		FROM sessions WHERE call_sid = ?
	`, callSID)

	var s model.CallSession
	var turns string
	var endedAt time.Time
	if err := row.Scan(&s.CallSID, &s.From, &turns, &s.CreatedAt, &endedAt); err != nil {
		return model.CallSession{}, fmt.Errorf("load session %s: %w", callSID, err)
	}
	if err := json.Unmarshal([]byte(turns), &s.Turns); err != nil {
		return model.CallSession{}, fmt.Errorf("decode turns for %s: %w", callSID, err)
	}
	s.State = model.StateTerminated
	s.LastActivity = endedAt
	return s, nil
}

// RecentWorkflows returns up to limit archived workflows, newest first.
func (a *Archive) RecentWorkflows(limit int) ([]model.Workflow, error) {
	rows, err := a.db.Query(`
		SELECT id, kind, to_number, callback_number, transcript, summary,
		       recording_url, callback_sid, status, created_at, updated_at
		FROM workflows ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		var wf model.Workflow
		var kind, status string
		if err := rows.Scan(&wf.ID, &kind, &wf.To, &wf.CallbackNumber, &wf.Transcript,
			&wf.Summary, &wf.RecordingURL, &wf.CallbackSID, &status,
			&wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wf.Kind = model.WorkflowKind(kind)
		wf.Status = model.WorkflowStatus(status)
		out = append(out, wf)
	}
	return out, rows.Err()
}
