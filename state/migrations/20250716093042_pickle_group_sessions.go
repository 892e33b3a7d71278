package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matrix-org/background-sync/crypto"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

func init() {
	goose.AddMigrationContext(upPickleGroupSessions, downPickleGroupSessions)
}

type groupSessionKey struct {
	UserID    string
	DeviceID  string
	SessionID string
	SenderKey string
	RoomID    string
}

// Early versions stored the exported session key string for each inbound group
// session. The pickle format replaced it so claimed keys and forwarding chains
// survive restarts. This converts any session_key column left over from an old
// install into pickles.
func upPickleGroupSessions(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRow("select data_type from information_schema.columns where table_name = 'bgsync_inbound_group_sessions' AND column_name = 'session_key'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The table doesn't exist yet, or was created with the pickle schema
			// from the start.
			return nil
		}
		return err
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS bgsync_inbound_group_sessions ADD COLUMN IF NOT EXISTS session BYTEA;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT user_id, device_id, session_id, sender_key, room_id, session_key FROM bgsync_inbound_group_sessions")
	if err != nil {
		return err
	}
	defer rows.Close()

	var row groupSessionKey
	var sessionKey string
	sessionKeys := make(map[groupSessionKey]string)
	for rows.Next() {
		if err = rows.Scan(&row.UserID, &row.DeviceID, &row.SessionID, &row.SenderKey, &row.RoomID, &sessionKey); err != nil {
			return err
		}
		sessionKeys[row] = sessionKey
	}
	if rows.Err() != nil {
		return rows.Err()
	}
	log.Info().Int("count", len(sessionKeys)).Msg("converting stored session keys to pickles")

	for row, sessionKey := range sessionKeys {
		session, err := crypto.NewInboundGroupSession(row.SessionID, row.SenderKey, row.RoomID, sessionKey)
		if err != nil {
			return fmt.Errorf("failed to import session key for %s: %v", row.SessionID, err)
		}
		pickle, err := session.Pickle()
		if err != nil {
			return fmt.Errorf("failed to pickle session %s: %v", row.SessionID, err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE bgsync_inbound_group_sessions SET session = $1 WHERE user_id = $2 AND device_id = $3 AND session_id = $4 AND sender_key = $5;",
			pickle, row.UserID, row.DeviceID, row.SessionID, row.SenderKey,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS bgsync_inbound_group_sessions DROP COLUMN IF EXISTS session_key;")
	if err != nil {
		return err
	}

	return nil
}

func downPickleGroupSessions(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS bgsync_inbound_group_sessions ADD COLUMN IF NOT EXISTS session_key TEXT;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT user_id, device_id, session_id, sender_key, session FROM bgsync_inbound_group_sessions")
	if err != nil {
		return err
	}
	defer rows.Close()

	var row groupSessionKey
	var pickle []byte
	pickles := make(map[groupSessionKey][]byte)
	for rows.Next() {
		if err = rows.Scan(&row.UserID, &row.DeviceID, &row.SessionID, &row.SenderKey, &pickle); err != nil {
			return err
		}
		pickles[row] = pickle
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for row, pickle := range pickles {
		session, err := crypto.UnpickleInboundGroupSession(pickle)
		if err != nil {
			return fmt.Errorf("failed to unpickle session %s: %v", row.SessionID, err)
		}
		// Sessions imported from signed keys come back as exports. Decryption
		// accepts both so nothing is lost.
		_, err = tx.ExecContext(ctx,
			"UPDATE bgsync_inbound_group_sessions SET session_key = $1 WHERE user_id = $2 AND device_id = $3 AND session_id = $4 AND sender_key = $5;",
			session.Export(), row.UserID, row.DeviceID, row.SessionID, row.SenderKey,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS bgsync_inbound_group_sessions DROP COLUMN IF EXISTS session;")
	if err != nil {
		return err
	}

	return nil
}
