package state

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/background-sync/crypto"
)

// InboundGroupSessionsTable stores pickled inbound group sessions, keyed by
// (session ID, sender key) per device.
type InboundGroupSessionsTable struct {
	db *sqlx.DB
}

func NewInboundGroupSessionsTable(db *sqlx.DB) *InboundGroupSessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS bgsync_inbound_group_sessions (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sender_key TEXT NOT NULL,
		room_id TEXT NOT NULL,
		session BYTEA NOT NULL,
		UNIQUE(user_id, device_id, session_id, sender_key)
	);
	`)
	return &InboundGroupSessionsTable{
		db: db,
	}
}

// Select returns the session stored under (sessionID, senderKey) for this
// device, or nil if there is none.
func (t *InboundGroupSessionsTable) Select(userID, deviceID, sessionID, senderKey string) (*crypto.InboundGroupSession, error) {
	var pickle []byte
	err := t.db.QueryRow(
		`SELECT session FROM bgsync_inbound_group_sessions
		WHERE user_id=$1 AND device_id=$2 AND session_id=$3 AND sender_key=$4`,
		userID, deviceID, sessionID, senderKey,
	).Scan(&pickle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return crypto.UnpickleInboundGroupSession(pickle)
}

// Upsert stores a session under its (SessionID, SenderKey) pair, replacing any
// existing row for that pair.
func (t *InboundGroupSessionsTable) Upsert(userID, deviceID string, session *crypto.InboundGroupSession) error {
	pickle, err := session.Pickle()
	if err != nil {
		return err
	}
	_, err = t.db.Exec(
		`INSERT INTO bgsync_inbound_group_sessions(user_id, device_id, session_id, sender_key, room_id, session)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, device_id, session_id, sender_key) DO UPDATE SET session = EXCLUDED.session`,
		userID, deviceID, session.SessionID, session.SenderKey, session.RoomID, pickle,
	)
	return err
}
