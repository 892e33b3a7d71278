package sync2

import (
	"reflect"
	"testing"

	"github.com/matrix-org/background-sync/internal"
)

func assertDeviceData(t *testing.T, got, want internal.DeviceData) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("device data mismatch: got %+v want %+v", got, want)
	}
}

func TestDeviceDataTableReplaces(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewDeviceDataTable(db)
	userID := "@ddt:localhost"
	deviceID := "DDTDEV"

	got, err := table.Select(userID, deviceID)
	if err != nil {
		t.Fatalf("Select: %s", err)
	}
	if got != nil {
		t.Fatalf("got %+v want nil for a device with no data", got)
	}

	first := internal.DeviceData{
		UserID:           userID,
		DeviceID:         deviceID,
		OTKCounts:        map[string]int{"signed_curve25519": 50},
		FallbackKeyTypes: []string{"signed_curve25519"},
	}
	if err := table.Upsert(&first); err != nil {
		t.Fatalf("Upsert: %s", err)
	}
	got, err = table.Select(userID, deviceID)
	if err != nil || got == nil {
		t.Fatalf("Select: %v %v", got, err)
	}
	assertDeviceData(t, *got, first)

	t.Log("Upserting again replaces the stored snapshot, absent fields included.")
	second := internal.DeviceData{
		UserID:    userID,
		DeviceID:  deviceID,
		OTKCounts: map[string]int{"signed_curve25519": 49},
	}
	if err := table.Upsert(&second); err != nil {
		t.Fatalf("Upsert: %s", err)
	}
	got, err = table.Select(userID, deviceID)
	if err != nil || got == nil {
		t.Fatalf("Select: %v %v", got, err)
	}
	assertDeviceData(t, *got, second)
}

func TestDeviceDataTableScopedToDevice(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewDeviceDataTable(db)
	userID := "@ddt2:localhost"

	phone := internal.DeviceData{
		UserID:    userID,
		DeviceID:  "PHONE",
		OTKCounts: map[string]int{"signed_curve25519": 10},
	}
	laptop := internal.DeviceData{
		UserID:    userID,
		DeviceID:  "LAPTOP",
		OTKCounts: map[string]int{"signed_curve25519": 20},
	}
	if err := table.Upsert(&phone); err != nil {
		t.Fatalf("Upsert: %s", err)
	}
	if err := table.Upsert(&laptop); err != nil {
		t.Fatalf("Upsert: %s", err)
	}

	got, err := table.Select(userID, "PHONE")
	if err != nil || got == nil {
		t.Fatalf("Select: %v %v", got, err)
	}
	assertDeviceData(t, *got, phone)

	if err := table.DeleteDevice(userID, "PHONE"); err != nil {
		t.Fatalf("DeleteDevice: %s", err)
	}
	if got, err := table.Select(userID, "PHONE"); err != nil || got != nil {
		t.Fatalf("Select after delete: %v %v", got, err)
	}
	got, err = table.Select(userID, "LAPTOP")
	if err != nil || got == nil {
		t.Fatalf("Select: %v %v", got, err)
	}
	assertDeviceData(t, *got, laptop)
}
