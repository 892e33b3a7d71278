package state

import (
	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/background-sync/crypto"
)

// OlmSessionsTable stores pickled one-to-one sessions per device, grouped by
// the peer's curve25519 identity key. The seq column preserves first-stored
// order: candidate sessions are tried oldest first.
type OlmSessionsTable struct {
	db *sqlx.DB
}

func NewOlmSessionsTable(db *sqlx.DB) *OlmSessionsTable {
	db.MustExec(`
	CREATE SEQUENCE IF NOT EXISTS bgsync_olm_sessions_seq;
	CREATE TABLE IF NOT EXISTS bgsync_olm_sessions (
		seq BIGINT NOT NULL DEFAULT nextval('bgsync_olm_sessions_seq'),
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		sender_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		session BYTEA NOT NULL,
		UNIQUE(user_id, device_id, sender_key, session_id)
	);
	`)
	return &OlmSessionsTable{
		db: db,
	}
}

// SelectBySenderKey returns every session stored for this peer identity key,
// oldest first. No sessions is not an error: the result is just empty.
func (t *OlmSessionsTable) SelectBySenderKey(userID, deviceID, senderKey string) ([]*crypto.OlmSession, error) {
	var pickles [][]byte
	err := t.db.Select(
		&pickles,
		`SELECT session FROM bgsync_olm_sessions
		WHERE user_id=$1 AND device_id=$2 AND sender_key=$3 ORDER BY seq ASC`,
		userID, deviceID, senderKey,
	)
	if err != nil {
		return nil, err
	}
	sessions := make([]*crypto.OlmSession, len(pickles))
	for i, pickle := range pickles {
		if sessions[i], err = crypto.UnpickleOlmSession(pickle); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// Upsert stores a session for this peer identity key. Updating an existing
// session keeps its seq, so the trial order never changes.
func (t *OlmSessionsTable) Upsert(userID, deviceID, senderKey string, session *crypto.OlmSession) error {
	pickle, err := session.Pickle()
	if err != nil {
		return err
	}
	_, err = t.db.Exec(
		`INSERT INTO bgsync_olm_sessions(user_id, device_id, sender_key, session_id, session)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (user_id, device_id, sender_key, session_id) DO UPDATE SET session = EXCLUDED.session`,
		userID, deviceID, senderKey, session.ID(), pickle,
	)
	return err
}
