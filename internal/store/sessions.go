package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/perchlabs/perch/internal/protocol"
)

// CreateSession inserts a new session row.
func (s *Store) CreateSession(info protocol.SessionInfo) error {
	created := info.CreatedAt
	if created == 0 {
		created = time.Now().Unix()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, title, work_dir, running, created_at) VALUES (?, ?, ?, ?, ?)`,
		info.ID, info.Title, info.WorkDir, boolToInt(info.Running), time.Unix(created, 0).UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", info.ID, err)
	}
	return nil
}

// GetSession loads one session; returns sql.ErrNoRows wrapped when missing.
func (s *Store) GetSession(id string) (protocol.SessionInfo, error) {
	var (
		info    protocol.SessionInfo
		running int
		created time.Time
	)
	err := s.db.QueryRow(
		`SELECT id, title, work_dir, running, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&info.ID, &info.Title, &info.WorkDir, &running, &created)
	if err != nil {
		return protocol.SessionInfo{}, fmt.Errorf("get session %s: %w", id, err)
	}
	info.Running = running != 0
	info.CreatedAt = created.Unix()
	return info, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]protocol.SessionInfo, error) {
	rows, err := s.db.Query(
		`SELECT id, title, work_dir, running, created_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []protocol.SessionInfo
	for rows.Next() {
		var (
			info    protocol.SessionInfo
			running int
			created time.Time
		)
		if err := rows.Scan(&info.ID, &info.Title, &info.WorkDir, &running, &created); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.Running = running != 0
		info.CreatedAt = created.Unix()
		out = append(out, info)
	}
	return out, rows.Err()
}

// SetRunning flips a session's running flag.
func (s *Store) SetRunning(id string, running bool) error {
	res, err := s.db.Exec(`UPDATE sessions SET running = ? WHERE id = ?`, boolToInt(running), id)
	if err != nil {
		return fmt.Errorf("set running %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set running %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its buffer.
func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
