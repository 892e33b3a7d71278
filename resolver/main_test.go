package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/rs/zerolog"

	"github.com/matrix-org/background-sync/crypto"
	"github.com/matrix-org/background-sync/pubsub"
	"github.com/matrix-org/background-sync/sqlutil"
	"github.com/matrix-org/background-sync/state"
	"github.com/matrix-org/background-sync/sync2"
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

// mockClient scripts sync responses per test and counts DoSync calls. The
// other endpoints are never hit by a resolver.
type mockClient struct {
	syncCalls atomic.Int32
	doSync    func(since string) (*sync2.SyncResponse, int, error)
}

func (c *mockClient) WhoAmI(accessToken string) (string, string, error) {
	return "", "", fmt.Errorf("mockClient: WhoAmI unexpected")
}

func (c *mockClient) CreateFilter(ctx context.Context, accessToken, userID string) (string, error) {
	return "", fmt.Errorf("mockClient: CreateFilter unexpected")
}

func (c *mockClient) DoSync(ctx context.Context, accessToken, since, filterID string) (*sync2.SyncResponse, int, error) {
	c.syncCalls.Add(1)
	if c.doSync == nil {
		return &sync2.SyncResponse{}, 200, nil
	}
	return c.doSync(since)
}

// testEnv wires a resolver against the real tables and an in-memory session
// store, with the bus consumer a server would normally run.
type testEnv struct {
	db       *sqlx.DB
	store    *state.Storage
	v2Store  *sync2.Storage
	devices  *sync2.DevicesTable
	client   *mockClient
	account  *crypto.Account
	sessions *crypto.MemoryStore
	resolver *Resolver
	close    func()
}

func newTestEnv(t *testing.T, userID, deviceID string, client *mockClient) *testEnv {
	t.Helper()
	db, closeDB := connectToDB(t)
	store := state.NewStorageWithDB(db)
	v2Store := sync2.NewStoreWithDB(db, "my_secret")
	err := sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		return v2Store.DevicesTable.InsertDevice(txn, userID, deviceID)
	})
	if err != nil {
		t.Fatalf("InsertDevice: %s", err)
	}
	account := mustAccount(t)
	sessions := crypto.NewMemoryStore()
	machine := crypto.NewMachine(account, sessions, userID)
	bus := pubsub.NewPubSub(16)
	go bus.Listen(pubsub.ChanResolutions, func(p pubsub.Payload) {
		done, ok := p.(pubsub.ResolutionDone)
		if !ok {
			return
		}
		done.Deliver()
	})
	r := New(userID, deviceID, "token-"+deviceID, client, machine, store, v2Store, bus)
	return &testEnv{
		db:       db,
		store:    store,
		v2Store:  v2Store,
		devices:  v2Store.DevicesTable,
		client:   client,
		account:  account,
		sessions: sessions,
		resolver: r,
		close: func() {
			r.Stop()
			bus.Close()
			closeDB()
		},
	}
}

// ingestOnlyResolver is enough for exercising key ingestion directly, with no
// database or worker behind it.
func ingestOnlyResolver(t *testing.T, userID string) (*Resolver, *crypto.MemoryStore) {
	t.Helper()
	sessions := crypto.NewMemoryStore()
	machine := crypto.NewMachine(mustAccount(t), sessions, userID)
	return &Resolver{machine: machine, logger: zerolog.Nop()}, sessions
}

func mustAccount(t *testing.T) *crypto.Account {
	t.Helper()
	account, err := crypto.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %s", err)
	}
	return account
}

// oneTimeKey mints a fresh one-time key on the account and returns its value,
// as a peer would receive it from a /keys/claim.
func oneTimeKey(t *testing.T, account *crypto.Account) string {
	t.Helper()
	if err := account.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %s", err)
	}
	for _, key := range account.OneTimeKeys() {
		return key
	}
	t.Fatalf("account has no one-time keys")
	return ""
}

func mustInsertEvent(t *testing.T, store *state.Storage, eventID, roomID string, eventJSON json.RawMessage) {
	t.Helper()
	if _, err := store.InsertEvents([]state.Event{{ID: eventID, RoomID: roomID, JSON: eventJSON}}); err != nil {
		t.Fatalf("InsertEvents: %s", err)
	}
}

// encryptedRoomEvent encrypts payload under the outbound session and returns
// the wire JSON of the resulting room event.
func encryptedRoomEvent(t *testing.T, eventID, roomID, sender, senderKey string, session *crypto.GroupSession, payload string) json.RawMessage {
	t.Helper()
	ct, err := session.Encrypt([]byte(payload))
	if err != nil {
		t.Fatalf("Encrypt: %s", err)
	}
	ev, err := json.Marshal(map[string]interface{}{
		"event_id": eventID,
		"type":     EventTypeEncrypted,
		"room_id":  roomID,
		"sender":   sender,
		"content": map[string]interface{}{
			"algorithm":  crypto.AlgorithmGroup,
			"sender_key": senderKey,
			"session_id": session.ID(),
			"ciphertext": ct,
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %s", err)
	}
	return ev
}

// roomKeyEnvelope is the olm plaintext distributing a group session key. An
// empty sessionKey drops the field entirely.
func roomKeyEnvelope(senderUserID, recipientUserID string, sender, recipient *crypto.Account, roomID, sessionID, sessionKey string) map[string]interface{} {
	content := map[string]interface{}{
		"algorithm":  crypto.AlgorithmGroup,
		"room_id":    roomID,
		"session_id": sessionID,
	}
	if sessionKey != "" {
		content["session_key"] = sessionKey
	}
	return map[string]interface{}{
		"type":           "m.room_key",
		"content":        content,
		"sender":         senderUserID,
		"recipient":      recipientUserID,
		"recipient_keys": map[string]interface{}{"ed25519": recipient.SigningKey()},
		"keys":           map[string]interface{}{"ed25519": sender.SigningKey()},
	}
}

// encryptedToDevice olm-encrypts an envelope from the sender account to the
// recipient's identity key and wraps it as a to-device event.
func encryptedToDevice(t *testing.T, senderUserID string, sender *crypto.Account, session *crypto.OlmSession, recipientKey string, envelope map[string]interface{}) gomatrixserverlib.SendToDeviceEvent {
	t.Helper()
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %s", err)
	}
	msgType, body, err := session.Encrypt(payload)
	if err != nil {
		t.Fatalf("Encrypt: %s", err)
	}
	content, err := json.Marshal(map[string]interface{}{
		"algorithm":  crypto.AlgorithmOneToOne,
		"sender_key": sender.IdentityKey(),
		"ciphertext": map[string]interface{}{
			recipientKey: map[string]interface{}{
				"type": msgType,
				"body": body,
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal content: %s", err)
	}
	return gomatrixserverlib.SendToDeviceEvent{
		Sender:  senderUserID,
		Type:    EventTypeEncrypted,
		Content: content,
	}
}
