package sync2

import (
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/background-sync/sqlutil"
	"github.com/matrix-org/background-sync/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=bgsync_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString()
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}

func TestDevicesTableCursorAndFilter(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	devices := NewDevicesTable(db)

	alice := "@alice:localhost"
	aliceDevice := "alice_phone"
	bob := "@bob:localhost"
	bobDevice := "bob_laptop"

	_ = sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		t.Log("Add a devices row for Alice and Bob.")
		if err := devices.InsertDevice(txn, alice, aliceDevice); err != nil {
			t.Fatalf("Failed to Insert device: %s", err)
		}
		if err := devices.InsertDevice(txn, bob, bobDevice); err != nil {
			t.Fatalf("Failed to Insert device: %s", err)
		}
		return nil
	})

	t.Log("A fresh device should have a blank cursor and filter.")
	device, err := devices.Device(alice, aliceDevice)
	if err != nil {
		t.Fatalf("Failed to fetch device: %s", err)
	}
	assertEqual(t, device.Since, "", "Device.Since mismatch")
	assertEqual(t, device.FilterID, "", "Device.FilterID mismatch")

	t.Log("Update the since column.")
	sinceValue := "s-1-2-3-4"
	if err = devices.UpdateDeviceSince(alice, aliceDevice, sinceValue); err != nil {
		t.Fatalf("Failed to update since column: %s", err)
	}

	t.Log("Update the filter column.")
	if err = devices.UpdateDeviceFilter(alice, aliceDevice, "5"); err != nil {
		t.Fatalf("Failed to update filter column: %s", err)
	}

	device, err = devices.Device(alice, aliceDevice)
	if err != nil {
		t.Fatalf("Failed to fetch device: %s", err)
	}
	assertEqual(t, device.Since, sinceValue, "Device.Since mismatch")
	assertEqual(t, device.FilterID, "5", "Device.FilterID mismatch")

	t.Log("Reinserting the device should not clobber the cursor or filter.")
	_ = sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		if err := devices.InsertDevice(txn, alice, aliceDevice); err != nil {
			t.Fatalf("Failed to Insert device: %s", err)
		}
		return nil
	})
	device, err = devices.Device(alice, aliceDevice)
	if err != nil {
		t.Fatalf("Failed to fetch device: %s", err)
	}
	assertEqual(t, device.Since, sinceValue, "Device.Since mismatch")
	assertEqual(t, device.FilterID, "5", "Device.FilterID mismatch")

	t.Log("Bob's device should be untouched.")
	device, err = devices.Device(bob, bobDevice)
	if err != nil {
		t.Fatalf("Failed to fetch device: %s", err)
	}
	assertEqual(t, device.Since, "", "Device.Since mismatch")
	assertEqual(t, device.FilterID, "", "Device.FilterID mismatch")
}

func TestDevicesTableRemove(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	devices := NewDevicesTable(db)

	chris := "@chris:localhost"
	chrisDevice := "chris_desktop"
	_ = sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		if err := devices.InsertDevice(txn, chris, chrisDevice); err != nil {
			t.Fatalf("Failed to Insert device: %s", err)
		}
		return nil
	})

	if err := devices.RemoveDevice(chris, chrisDevice); err != nil {
		t.Fatalf("Failed to remove device: %s", err)
	}
	_, err := devices.Device(chris, chrisDevice)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after removal, got %v", err)
	}
}
