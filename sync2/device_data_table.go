package sync2

import (
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/background-sync/internal"
)

type DeviceDataRow struct {
	UserID   string `db:"user_id"`
	DeviceID string `db:"device_id"`
	// internal.DeviceData serialised as JSON. Stored in a single column as we
	// never search on this data.
	Data []byte `db:"data"`
}

// DeviceDataTable records the latest E2EE key bookkeeping per device.
type DeviceDataTable struct {
	db *sqlx.DB
}

func NewDeviceDataTable(db *sqlx.DB) *DeviceDataTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS bgsync_device_data (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		data JSONB NOT NULL,
		UNIQUE(user_id, device_id)
	);
	-- Set the fillfactor to 90%, to allow for HOT updates (we only ever
	-- change the data, not anything indexed)
	ALTER TABLE bgsync_device_data SET (fillfactor = 90);
	`)
	return &DeviceDataTable{
		db: db,
	}
}

// Select returns the recorded data for this device, or nil if there is none.
func (t *DeviceDataTable) Select(userID, deviceID string) (*internal.DeviceData, error) {
	var row DeviceDataRow
	err := t.db.Get(&row, `SELECT data FROM bgsync_device_data WHERE user_id=$1 AND device_id=$2`, userID, deviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var dd internal.DeviceData
	if err := json.Unmarshal(row.Data, &dd); err != nil {
		return nil, err
	}
	dd.UserID = userID
	dd.DeviceID = deviceID
	return &dd, nil
}

// Upsert replaces the recorded data for this device. Sync responses carry the
// full current values, never deltas, so there is nothing to merge with.
func (t *DeviceDataTable) Upsert(dd *internal.DeviceData) error {
	data, err := json.Marshal(dd)
	if err != nil {
		return err
	}
	_, err = t.db.Exec(
		`INSERT INTO bgsync_device_data(user_id, device_id, data) VALUES($1,$2,$3)
		ON CONFLICT (user_id, device_id) DO UPDATE SET data=$3`,
		dd.UserID, dd.DeviceID, data,
	)
	return err
}

func (t *DeviceDataTable) DeleteDevice(userID, deviceID string) error {
	_, err := t.db.Exec(`DELETE FROM bgsync_device_data WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	return err
}
