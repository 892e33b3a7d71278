package state

import (
	"testing"
)

func TestAccountData(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewAccountDataTable(db)
	alice := "@alice_TestAccountData:localhost"
	roomA := "!TestAccountData_A:localhost"
	txn, err := db.Beginx()
	if err != nil {
		t.Fatalf("failed to start txn: %s", err)
	}
	defer txn.Rollback()

	assertData := func(roomID, eventType, want string) {
		t.Helper()
		got, err := table.Select(txn, alice, eventType, roomID)
		if err != nil {
			t.Fatalf("Select(%s, %s): %s", roomID, eventType, err)
		}
		if got == nil {
			t.Fatalf("Select(%s, %s): got nil want %s", roomID, eventType, want)
		}
		if string(got.Data) != want {
			t.Fatalf("Select(%s, %s): got %s want %s", roomID, eventType, got.Data, want)
		}
	}

	// The batch repeats alice's (room, type) key; the later entry must land.
	err = table.Insert(txn, []AccountData{
		{UserID: alice, RoomID: roomA, Type: "m.push_rules", Data: []byte(`{"old":true}`)},
		{UserID: alice, RoomID: AccountDataGlobalRoom, Type: "m.push_rules", Data: []byte(`{"global":"rules"}`)},
		{UserID: "@someone_else:localhost", RoomID: roomA, Type: "m.push_rules", Data: []byte(`{"other":"user"}`)},
		{UserID: alice, RoomID: roomA, Type: "m.push_rules", Data: []byte(`{"new":true}`)},
	})
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	assertData(roomA, "m.push_rules", `{"new":true}`)
	assertData(AccountDataGlobalRoom, "m.push_rules", `{"global":"rules"}`)

	// Inserting the same key again overwrites the stored event.
	err = table.Insert(txn, []AccountData{
		{UserID: alice, RoomID: roomA, Type: "m.push_rules", Data: []byte(`{"newer":true}`)},
	})
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	assertData(roomA, "m.push_rules", `{"newer":true}`)

	// Account data never written reads back as nil without error.
	got, err := table.Select(txn, alice, "m.fully_read", roomA)
	if err != nil {
		t.Fatalf("Select: %s", err)
	}
	if got != nil {
		t.Fatalf("Select: got %+v want nil", got)
	}
}
