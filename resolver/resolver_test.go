package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/background-sync/crypto"
	"github.com/matrix-org/background-sync/internal"
	"github.com/matrix-org/background-sync/sync2"
)

func TestResolveUnencryptedEvent(t *testing.T) {
	client := &mockClient{}
	env := newTestEnv(t, "@plain:localhost", "PLAINDEV", client)
	defer env.close()
	eventJSON := json.RawMessage(`{"event_id":"$plain1","type":"m.room.message","room_id":"!plain:localhost","sender":"@alice:localhost","content":{"body":"hi"}}`)
	mustInsertEvent(t, env.store, "$plain1", "!plain:localhost", eventJSON)

	event, err := env.resolver.Resolve(context.Background(), "$plain1", "!plain:localhost")
	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}
	if event.ClearType() != "m.room.message" {
		t.Errorf("got type %s want m.room.message", event.ClearType())
	}
	if body := gjson.GetBytes(event.ClearContent(), "body").Str; body != "hi" {
		t.Errorf("got body %q want hi", body)
	}
	if event.Sender != "@alice:localhost" {
		t.Errorf("got sender %s", event.Sender)
	}
	if n := client.syncCalls.Load(); n != 0 {
		t.Errorf("got %d sync calls want 0", n)
	}
}

func TestResolveNotFound(t *testing.T) {
	client := &mockClient{}
	client.doSync = func(since string) (*sync2.SyncResponse, int, error) {
		return &sync2.SyncResponse{NextBatch: "nf1"}, 200, nil
	}
	env := newTestEnv(t, "@notfound:localhost", "NFDEV", client)
	defer env.close()

	_, err := env.resolver.Resolve(context.Background(), "$never-sent", "!nf:localhost")
	if !errors.Is(err, internal.ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
	// One fetch attempt, and the response it brought back still counts.
	if n := client.syncCalls.Load(); n != 1 {
		t.Errorf("got %d sync calls want 1", n)
	}
	device, err := env.devices.Device("@notfound:localhost", "NFDEV")
	if err != nil {
		t.Fatalf("Device: %s", err)
	}
	if device.Since != "nf1" {
		t.Errorf("got since %q want nf1", device.Since)
	}
}

func TestResolveNetworkFailure(t *testing.T) {
	client := &mockClient{}
	client.doSync = func(since string) (*sync2.SyncResponse, int, error) {
		return nil, 0, fmt.Errorf("connection refused")
	}
	env := newTestEnv(t, "@offline:localhost", "OFFDEV", client)
	defer env.close()

	_, err := env.resolver.Resolve(context.Background(), "$unreachable", "!off:localhost")
	if !errors.Is(err, internal.ErrNetworkFailure) {
		t.Fatalf("got %v want ErrNetworkFailure", err)
	}
	if n := client.syncCalls.Load(); n != 1 {
		t.Errorf("got %d sync calls want 1", n)
	}
	device, err := env.devices.Device("@offline:localhost", "OFFDEV")
	if err != nil {
		t.Fatalf("Device: %s", err)
	}
	if device.Since != "" {
		t.Errorf("cursor advanced to %q on a failed sync", device.Since)
	}
}

func TestResolveUnknownAlgorithm(t *testing.T) {
	client := &mockClient{}
	env := newTestEnv(t, "@unknown:localhost", "UNKDEV", client)
	defer env.close()
	eventJSON := json.RawMessage(`{"event_id":"$unk1","type":"m.room.encrypted","room_id":"!unk:localhost","sender":"@alice:localhost","content":{"algorithm":"m.megolm.v2.aes-sha2","ciphertext":"xyz"}}`)
	mustInsertEvent(t, env.store, "$unk1", "!unk:localhost", eventJSON)

	_, err := env.resolver.Resolve(context.Background(), "$unk1", "!unk:localhost")
	if !errors.Is(err, internal.ErrUnknownAlgorithm) {
		t.Fatalf("got %v want ErrUnknownAlgorithm", err)
	}
	// No amount of syncing helps an algorithm we do not speak.
	if n := client.syncCalls.Load(); n != 0 {
		t.Errorf("got %d sync calls want 0", n)
	}
}

func TestResolveKeysUnavailable(t *testing.T) {
	userID := "@nokeys:localhost"
	roomID := "!nokeys:localhost"
	var sinces []string
	client := &mockClient{}
	client.doSync = func(since string) (*sync2.SyncResponse, int, error) {
		sinces = append(sinces, since)
		return &sync2.SyncResponse{NextBatch: fmt.Sprintf("nk%d", len(sinces))}, 200, nil
	}
	env := newTestEnv(t, userID, "NKDEV", client)
	defer env.close()

	alice := mustAccount(t)
	outbound, err := crypto.NewGroupSession(roomID)
	if err != nil {
		t.Fatalf("NewGroupSession: %s", err)
	}
	eventJSON := encryptedRoomEvent(t, "$nokeys1", roomID, "@alice:localhost", alice.IdentityKey(), outbound,
		fmt.Sprintf(`{"type":"m.room.message","room_id":%q,"content":{"body":"secret"}}`, roomID))
	mustInsertEvent(t, env.store, "$nokeys1", roomID, eventJSON)

	// The session never arrives: exactly one sync round, then give up.
	_, err = env.resolver.Resolve(context.Background(), "$nokeys1", roomID)
	if !errors.Is(err, internal.ErrKeysUnavailable) {
		t.Fatalf("got %v want ErrKeysUnavailable", err)
	}
	if n := client.syncCalls.Load(); n != 1 {
		t.Errorf("got %d sync calls want 1", n)
	}

	// A fresh resolution gets its own single round, from the advanced cursor.
	_, err = env.resolver.Resolve(context.Background(), "$nokeys1", roomID)
	if !errors.Is(err, internal.ErrKeysUnavailable) {
		t.Fatalf("second resolve: got %v want ErrKeysUnavailable", err)
	}
	if n := client.syncCalls.Load(); n != 2 {
		t.Errorf("got %d sync calls want 2", n)
	}
	if len(sinces) != 2 || sinces[0] != "" || sinces[1] != "nk1" {
		t.Errorf("got since tokens %v", sinces)
	}
	device, err := env.devices.Device(userID, "NKDEV")
	if err != nil {
		t.Fatalf("Device: %s", err)
	}
	if device.Since != "nk2" {
		t.Errorf("got since %q want nk2", device.Since)
	}
}

// The full happy path: the pushed event is not yet local, one sync round
// brings both the event and its session key, and the event decrypts. A second
// resolution comes straight from the cache.
func TestResolveWithSyncRetry(t *testing.T) {
	userID := "@retry:localhost"
	deviceID := "RETRYDEV"
	roomID := "!retry:localhost"
	eventID := "$retry1"

	client := &mockClient{}
	env := newTestEnv(t, userID, deviceID, client)
	defer env.close()

	alice := mustAccount(t)
	outbound, err := crypto.NewGroupSession(roomID)
	if err != nil {
		t.Fatalf("NewGroupSession: %s", err)
	}
	// Key captured before the event is encrypted, so it can decrypt it.
	sessionKey := outbound.SessionKey()
	eventJSON := encryptedRoomEvent(t, eventID, roomID, "@alice:localhost", alice.IdentityKey(), outbound,
		fmt.Sprintf(`{"type":"m.room.message","room_id":%q,"content":{"body":"it works"}}`, roomID))
	aliceOlm, err := alice.NewOutboundSession(env.account.IdentityKey(), oneTimeKey(t, env.account))
	if err != nil {
		t.Fatalf("NewOutboundSession: %s", err)
	}
	toDevice := encryptedToDevice(t, "@alice:localhost", alice, aliceOlm, env.account.IdentityKey(),
		roomKeyEnvelope("@alice:localhost", userID, alice, env.account, roomID, outbound.ID(), sessionKey))

	client.doSync = func(since string) (*sync2.SyncResponse, int, error) {
		res := &sync2.SyncResponse{
			NextBatch: "retry-batch",
			Rooms: sync2.SyncRoomsResponse{
				Join: map[string]sync2.SyncV2JoinResponse{
					roomID: {Timeline: sync2.TimelineResponse{Events: []json.RawMessage{eventJSON}}},
				},
			},
		}
		res.ToDevice.Events = []gomatrixserverlib.SendToDeviceEvent{toDevice}
		return res, 200, nil
	}

	event, err := env.resolver.Resolve(context.Background(), eventID, roomID)
	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}
	if event.ClearType() != "m.room.message" {
		t.Errorf("got type %s want m.room.message", event.ClearType())
	}
	if body := gjson.GetBytes(event.ClearContent(), "body").Str; body != "it works" {
		t.Errorf("got body %q", body)
	}
	if event.SenderKey != alice.IdentityKey() {
		t.Errorf("got sender key %s want %s", event.SenderKey, alice.IdentityKey())
	}
	if event.Clear().ClaimedEd25519Key != alice.SigningKey() {
		t.Errorf("got claimed key %s want %s", event.Clear().ClaimedEd25519Key, alice.SigningKey())
	}
	if chains := event.Clear().ForwardingChains; len(chains) != 0 {
		t.Errorf("got forwarding chains %v for a directly shared key", chains)
	}
	if n := client.syncCalls.Load(); n != 1 {
		t.Errorf("got %d sync calls want 1", n)
	}

	// The response was applied: event persisted, cursor advanced, and the
	// account written back because olm decryption consumed a one-time key.
	row, err := env.store.EventsTable.SelectByID(eventID)
	if err != nil || row == nil {
		t.Errorf("synced event not persisted: %v %v", row, err)
	}
	device, err := env.devices.Device(userID, deviceID)
	if err != nil {
		t.Fatalf("Device: %s", err)
	}
	if device.Since != "retry-batch" {
		t.Errorf("got since %q want retry-batch", device.Since)
	}
	account, err := env.store.CryptoAccountsTable.SelectAccount(userID, deviceID)
	if err != nil {
		t.Fatalf("SelectAccount: %s", err)
	}
	if account == nil {
		t.Errorf("account not written back after key ingestion")
	}

	// Resolving again is answered from the cache: same event, same cleartext,
	// no further network or decryption work.
	again, err := env.resolver.Resolve(context.Background(), eventID, roomID)
	if err != nil {
		t.Fatalf("second Resolve: %s", err)
	}
	if again != event {
		t.Errorf("second resolve returned a different event")
	}
	if again.Clear() != event.Clear() {
		t.Errorf("second resolve re-decrypted the event")
	}
	if n := client.syncCalls.Load(); n != 1 {
		t.Errorf("got %d sync calls want 1 after cached resolve", n)
	}
}

func TestResolveDecryptionFailed(t *testing.T) {
	roomA := "!bound:localhost"
	roomB := "!other:localhost"
	client := &mockClient{}
	client.doSync = func(since string) (*sync2.SyncResponse, int, error) {
		return &sync2.SyncResponse{NextBatch: "df1"}, 200, nil
	}
	env := newTestEnv(t, "@bound:localhost", "DFDEV", client)
	defer env.close()

	alice := mustAccount(t)
	outbound, err := crypto.NewGroupSession(roomA)
	if err != nil {
		t.Fatalf("NewGroupSession: %s", err)
	}
	inbound, err := crypto.NewInboundGroupSession(outbound.ID(), alice.IdentityKey(), roomA, outbound.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundGroupSession: %s", err)
	}
	if err := env.sessions.PutInboundGroupSession(inbound); err != nil {
		t.Fatalf("PutInboundGroupSession: %s", err)
	}

	// The session is held but bound to another room than the event claims, so
	// decryption fails; the one retry round cannot change that.
	eventJSON := encryptedRoomEvent(t, "$bound1", roomB, "@alice:localhost", alice.IdentityKey(), outbound,
		fmt.Sprintf(`{"type":"m.room.message","room_id":%q,"content":{"body":"x"}}`, roomA))
	mustInsertEvent(t, env.store, "$bound1", roomB, eventJSON)

	_, err = env.resolver.Resolve(context.Background(), "$bound1", roomB)
	if !errors.Is(err, internal.ErrDecryptionFailed) {
		t.Fatalf("got %v want ErrDecryptionFailed", err)
	}
	if n := client.syncCalls.Load(); n != 1 {
		t.Errorf("got %d sync calls want 1", n)
	}
}

func TestResolveStopped(t *testing.T) {
	client := &mockClient{}
	env := newTestEnv(t, "@stopped:localhost", "STOPDEV", client)
	defer env.close()
	env.resolver.Stop()

	called := false
	env.resolver.ResolveEvent(context.Background(), "$any", "!any:localhost", func(event *Event, err error) {
		called = true
		if event != nil {
			t.Errorf("got event %v on a stopped resolver", event)
		}
		if !errors.Is(err, ErrStopped) {
			t.Errorf("got %v want ErrStopped", err)
		}
	})
	if !called {
		t.Errorf("callback not invoked inline on a stopped resolver")
	}
	if _, err := env.resolver.Resolve(context.Background(), "$any", "!any:localhost"); !errors.Is(err, ErrStopped) {
		t.Errorf("Resolve: got %v want ErrStopped", err)
	}
	if n := client.syncCalls.Load(); n != 0 {
		t.Errorf("got %d sync calls want 0", n)
	}
}

// Stopping with a sync in flight drops both the completion and the response:
// the callback is never invoked and the cursor stays put.
func TestStopDropsInFlightCompletion(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &mockClient{}
	client.doSync = func(since string) (*sync2.SyncResponse, int, error) {
		close(started)
		<-release
		return &sync2.SyncResponse{NextBatch: "after-stop"}, 200, nil
	}
	env := newTestEnv(t, "@teardown:localhost", "TDDEV", client)
	defer env.close()

	delivered := make(chan struct{})
	env.resolver.ResolveEvent(context.Background(), "$inflight", "!td:localhost", func(event *Event, err error) {
		close(delivered)
	})
	<-started
	env.resolver.Stop()
	close(release)

	select {
	case <-delivered:
		t.Fatalf("completion delivered after Stop")
	case <-time.After(200 * time.Millisecond):
	}
	device, err := env.devices.Device("@teardown:localhost", "TDDEV")
	if err != nil {
		t.Fatalf("Device: %s", err)
	}
	if device.Since != "" {
		t.Errorf("got since %q, response applied after Stop", device.Since)
	}
}
