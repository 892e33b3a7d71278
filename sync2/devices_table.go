package sync2

import (
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Device struct {
	UserID   string `db:"user_id"`
	DeviceID string `db:"device_id"`
	Since    string `db:"since"`
	FilterID string `db:"filter_id"`
}

// DevicesTable remembers the sync v2 since position and sync filter per-device
type DevicesTable struct {
	db *sqlx.DB
}

func NewDevicesTable(db *sqlx.DB) *DevicesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS bgsync_devices (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		PRIMARY KEY (user_id, device_id),
		since TEXT NOT NULL,
		filter_id TEXT NOT NULL
	);`)

	return &DevicesTable{
		db: db,
	}
}

// InsertDevice creates a new devices row with a blank since token and filter ID
// if no such row exists. Otherwise, it does nothing.
func (s *DevicesTable) InsertDevice(txn *sqlx.Tx, userID, deviceID string) error {
	_, err := txn.Exec(
		` INSERT INTO bgsync_devices(user_id, device_id, since, filter_id) VALUES($1,$2,$3,$4)
		ON CONFLICT (user_id, device_id) DO NOTHING`,
		userID, deviceID, "", "",
	)
	return err
}

// Device returns the row for this device. Errors with sql.ErrNoRows if the
// device has never been inserted.
func (s *DevicesTable) Device(userID, deviceID string) (*Device, error) {
	var d Device
	err := s.db.Get(
		&d,
		`SELECT user_id, device_id, since, filter_id FROM bgsync_devices WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDeviceSince advances the sync cursor for this device. The cursor only
// ever moves forwards; callers write the next_batch of a sync response they
// have already applied.
func (s *DevicesTable) UpdateDeviceSince(userID, deviceID, since string) error {
	_, err := s.db.Exec(
		`UPDATE bgsync_devices SET since = $1 WHERE user_id = $2 AND device_id = $3`,
		since, userID, deviceID,
	)
	return err
}

func (s *DevicesTable) UpdateDeviceFilter(userID, deviceID, filterID string) error {
	_, err := s.db.Exec(
		`UPDATE bgsync_devices SET filter_id = $1 WHERE user_id = $2 AND device_id = $3`,
		filterID, userID, deviceID,
	)
	return err
}

func (s *DevicesTable) RemoveDevice(userID, deviceID string) error {
	_, err := s.db.Exec(
		`DELETE FROM bgsync_devices WHERE user_id = $1 AND device_id = $2`, userID, deviceID,
	)
	log.Info().Str("user", userID).Str("device", deviceID).Msg("Deleting device")
	return err
}
