package state

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/background-sync/crypto"
)

// CryptoAccountsTable stores each device's pickled crypto identity: the
// curve25519/ed25519 keypairs and remaining one-time keys.
type CryptoAccountsTable struct {
	db *sqlx.DB
}

func NewCryptoAccountsTable(db *sqlx.DB) *CryptoAccountsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS bgsync_crypto_accounts (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		account BYTEA NOT NULL,
		UNIQUE(user_id, device_id)
	);
	`)
	return &CryptoAccountsTable{
		db: db,
	}
}

// SelectAccount returns the stored account for this device, or nil if the
// device has never stored one.
func (t *CryptoAccountsTable) SelectAccount(userID, deviceID string) (*crypto.Account, error) {
	var pickle []byte
	err := t.db.QueryRow(
		`SELECT account FROM bgsync_crypto_accounts WHERE user_id=$1 AND device_id=$2`, userID, deviceID,
	).Scan(&pickle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return crypto.UnpickleAccount(pickle)
}

// UpsertAccount stores the account for this device, replacing any previous
// pickle. Callers must write back after consuming one-time keys or the same
// key could be handed out twice.
func (t *CryptoAccountsTable) UpsertAccount(userID, deviceID string, account *crypto.Account) error {
	pickle, err := account.Pickle()
	if err != nil {
		return err
	}
	_, err = t.db.Exec(
		`INSERT INTO bgsync_crypto_accounts(user_id, device_id, account) VALUES($1,$2,$3)
		ON CONFLICT (user_id, device_id) DO UPDATE SET account = EXCLUDED.account`,
		userID, deviceID, pickle,
	)
	return err
}
