package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveBuffer upserts the serialized transcript for a session. Implements
// transcript.BufferStore.
func (s *Store) SaveBuffer(sessionID string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO buffers (session_id, content, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(session_id) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		sessionID, data,
	)
	if err != nil {
		return fmt.Errorf("save buffer %s: %w", sessionID, err)
	}
	return nil
}

// LoadBuffer returns the stored transcript, or (nil, nil) when none exists.
func (s *Store) LoadBuffer(sessionID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT content FROM buffers WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load buffer %s: %w", sessionID, err)
	}
	return data, nil
}
