package state

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/background-sync/sqlutil"
)

// AccountDataGlobalRoom is the room ID under which non-room account data is
// stored.
const AccountDataGlobalRoom = ""

type AccountData struct {
	UserID string `db:"user_id"`
	RoomID string `db:"room_id"`
	Type   string `db:"type"`
	Data   []byte `db:"data"`
}

// AccountDataTable stores the latest account data event per (user, room,
// type). Sync responses carry whole replacement events, so each write
// overwrites the previous one; only push rules are ever read back.
type AccountDataTable struct{}

func NewAccountDataTable(db *sqlx.DB) *AccountDataTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS bgsync_account_data (
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL, -- AccountDataGlobalRoom for global data
		type TEXT NOT NULL,
		data BYTEA NOT NULL,
		UNIQUE(user_id, room_id, type)
	);
	`)
	return &AccountDataTable{}
}

// Insert upserts account data. A single sync response can repeat a
// (user, room, type) key, and ON CONFLICT refuses to touch the same row
// twice within one statement, so the list is folded down first with later
// entries winning.
func (t *AccountDataTable) Insert(txn *sqlx.Tx, accDatas []AccountData) error {
	latest := make(map[[3]string]AccountData, len(accDatas))
	for _, ad := range accDatas {
		latest[[3]string{ad.UserID, ad.RoomID, ad.Type}] = ad
	}
	deduped := make([]AccountData, 0, len(latest))
	for _, ad := range latest {
		deduped = append(deduped, ad)
	}
	for _, chunk := range sqlutil.Chunkify(4, MaxPostgresParameters, AccountDataChunker(deduped)) {
		_, err := txn.NamedExec(`
		INSERT INTO bgsync_account_data (user_id, room_id, type, data)
		VALUES (:user_id, :room_id, :type, :data)
		ON CONFLICT (user_id, room_id, type) DO UPDATE SET data = EXCLUDED.data`, chunk)
		if err != nil {
			return err
		}
	}
	return nil
}

// Select one account data entry, or nil if there is none.
func (t *AccountDataTable) Select(txn *sqlx.Tx, userID, eventType, roomID string) (*AccountData, error) {
	var acc AccountData
	err := txn.Get(&acc, `SELECT user_id, room_id, type, data FROM bgsync_account_data
	WHERE user_id=$1 AND type=$2 AND room_id=$3`, userID, eventType, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

type AccountDataChunker []AccountData

func (c AccountDataChunker) Len() int {
	return len(c)
}
func (c AccountDataChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}
