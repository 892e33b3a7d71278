package resolver

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/background-sync/crypto"
	"github.com/matrix-org/background-sync/internal"
	"github.com/matrix-org/background-sync/state"
	"github.com/matrix-org/background-sync/sync2"
)

// applySyncResponse merges one sync response into local state: push-rule
// account data, room events, then to-device events in arrival order. The
// cursor advances unconditionally at the end, even when individual steps
// failed, so a future retry can never reuse a stale cursor and replay this
// response.
func (r *Resolver) applySyncResponse(ctx context.Context, res *sync2.SyncResponse) {
	hub := internal.GetSentryHubFromContextOrDefault(ctx)

	var accDatas []state.AccountData
	for _, raw := range res.AccountData.Events {
		if gjson.GetBytes(raw, "type").Str != "m.push_rules" {
			continue
		}
		accDatas = append(accDatas, state.AccountData{
			UserID: r.userID,
			RoomID: state.AccountDataGlobalRoom,
			Type:   "m.push_rules",
			Data:   []byte(gjson.GetBytes(raw, "content").Raw),
		})
	}
	if len(accDatas) > 0 {
		if err := r.store.UpsertAccountData(accDatas); err != nil {
			r.logger.Err(err).Msg("failed to persist push rules")
			hub.CaptureException(err)
		}
	}

	var rows []state.Event
	for roomID, room := range res.Rooms.Join {
		rows = r.mergeRoomEvents(rows, roomID, room.State.Events)
		rows = r.mergeRoomEvents(rows, roomID, room.Timeline.Events)
	}
	// Leave rooms still carry full timelines; the event being resolved may be
	// in one if the user was removed after it was sent. Invited rooms only
	// have stripped state with no event IDs, nothing to merge.
	for roomID, room := range res.Rooms.Leave {
		rows = r.mergeRoomEvents(rows, roomID, room.State.Events)
		rows = r.mergeRoomEvents(rows, roomID, room.Timeline.Events)
	}
	if len(rows) > 0 {
		if _, err := r.store.InsertEvents(rows); err != nil {
			r.logger.Err(err).Int("num_events", len(rows)).Msg("failed to persist synced events")
			hub.CaptureException(err)
		}
	}

	accountTouched := false
	for _, ev := range res.ToDevice.Events {
		r.toDeviceEvents++
		if r.onToDeviceEvent(ev) {
			accountTouched = true
		}
	}
	if accountTouched {
		// Decrypting to-device traffic may have consumed a one-time key, so
		// the account is written back before anything else can hand the same
		// key out again.
		if err := r.store.CryptoAccountsTable.UpsertAccount(r.userID, r.deviceID, r.machine.Account()); err != nil {
			r.logger.Err(err).Msg("failed to persist account after key ingestion")
			hub.CaptureException(err)
		}
	}

	if len(res.DeviceListsOTKCount) > 0 || len(res.DeviceUnusedFallbackKeyTypes) > 0 {
		r.recordDeviceData(hub, res)
	}

	// Cursor last, unconditionally.
	if res.NextBatch != "" {
		if err := r.v2Store.DevicesTable.UpdateDeviceSince(r.userID, r.deviceID, res.NextBatch); err != nil {
			r.logger.Err(err).Str("since", res.NextBatch).Msg("failed to persist since token")
			hub.CaptureException(err)
		}
	}
	internal.Logf(ctx, "sync", "applied sync response: %d room events, %d to-device events, next_batch=%s",
		len(rows), len(res.ToDevice.Events), res.NextBatch)
}

// recordDeviceData replaces the stored key bookkeeping with what this sync
// reported. Responses repeat the values even when nothing changed, so the
// write is skipped when the snapshot is the same as the recorded one.
func (r *Resolver) recordDeviceData(hub *sentry.Hub, res *sync2.SyncResponse) {
	dd := internal.DeviceData{
		UserID:           r.userID,
		DeviceID:         r.deviceID,
		OTKCounts:        res.DeviceListsOTKCount,
		FallbackKeyTypes: res.DeviceUnusedFallbackKeyTypes,
	}
	existing, err := r.v2Store.DeviceDataTable.Select(r.userID, r.deviceID)
	if err != nil {
		r.logger.Err(err).Msg("failed to load device data")
		hub.CaptureException(err)
		return
	}
	if existing != nil && existing.Same(dd) {
		return
	}
	if err := r.v2Store.DeviceDataTable.Upsert(&dd); err != nil {
		r.logger.Err(err).Msg("failed to persist device data")
		hub.CaptureException(err)
	}
}

// mergeRoomEvents parses raw events into the synced cache and appends rows
// for persistence. Events that do not parse are skipped; the rest of the
// response still applies.
func (r *Resolver) mergeRoomEvents(rows []state.Event, roomID string, raws []json.RawMessage) []state.Event {
	for _, raw := range raws {
		event, err := ParseEvent(raw, roomID)
		if err != nil {
			r.logger.Debug().Err(err).Str("room", roomID).Msg("skipping unparseable synced event")
			continue
		}
		r.synced[event.ID] = event
		rows = append(rows, state.Event{ID: event.ID, RoomID: roomID, JSON: raw})
	}
	return rows
}

// onToDeviceEvent ingests one key-distribution message. Failures are logged
// and the event dropped; they never abort the rest of the batch. The return
// reports whether olm decryption was attempted, which is when account state
// may have changed.
func (r *Resolver) onToDeviceEvent(ev gomatrixserverlib.SendToDeviceEvent) bool {
	evType := ev.Type
	content := json.RawMessage(ev.Content)
	attempted := false
	var senderKey, claimedEd25519Key string
	if evType == EventTypeEncrypted {
		attempted = true
		res, err := r.machine.DecryptEvent("", ev.Sender, content)
		if err != nil {
			r.logger.Warn().Err(err).Str("sender", ev.Sender).Msg("dropping undecryptable to-device event")
			return attempted
		}
		evType = gjson.GetBytes(res.Plaintext, "type").Str
		content = json.RawMessage(gjson.GetBytes(res.Plaintext, "content").Raw)
		senderKey = res.SenderKey
		claimedEd25519Key = res.ClaimedEd25519Key
	}
	switch evType {
	case "m.room_key":
		r.ingestRoomKey(senderKey, claimedEd25519Key, content)
	case "m.forwarded_room_key":
		r.ingestForwardedRoomKey(senderKey, content)
	default:
		// not key distribution
	}
	return attempted
}

// ingestRoomKey creates an inbound group session from an m.room_key event.
// The sender key and claimed signing key come from the olm envelope that
// delivered it; a room key that did not arrive encrypted is untrusted and
// dropped.
func (r *Resolver) ingestRoomKey(senderKey, claimedEd25519Key string, content json.RawMessage) {
	if senderKey == "" {
		r.logger.Warn().Msg("dropping m.room_key that did not arrive encrypted")
		return
	}
	c := gjson.ParseBytes(content)
	if alg := c.Get("algorithm").Str; alg != crypto.AlgorithmGroup {
		r.logger.Warn().Str("algorithm", alg).Msg("dropping m.room_key for unsupported algorithm")
		return
	}
	roomID := c.Get("room_id").Str
	sessionID := c.Get("session_id").Str
	sessionKey := c.Get("session_key").Str
	if roomID == "" || sessionID == "" || sessionKey == "" {
		r.logger.Warn().Str("room", roomID).Str("session", sessionID).Msg("dropping m.room_key with missing fields")
		return
	}
	session, err := crypto.NewInboundGroupSession(sessionID, senderKey, roomID, sessionKey)
	if err != nil {
		r.logger.Warn().Err(err).Str("session", sessionID).Msg("dropping m.room_key with bad session key")
		return
	}
	if claimedEd25519Key != "" {
		session.ClaimedKeys = map[string]string{"ed25519": claimedEd25519Key}
	}
	r.putSession(session)
}

// ingestForwardedRoomKey creates an inbound group session from an
// m.forwarded_room_key event. The content's own sender_key names the device
// the session originally belonged to and is required, as is the claimed
// signing key; the key of the device that forwarded it to us is appended to
// the forwarding chain.
func (r *Resolver) ingestForwardedRoomKey(forwarderKey string, content json.RawMessage) {
	if forwarderKey == "" {
		r.logger.Warn().Msg("dropping m.forwarded_room_key that did not arrive encrypted")
		return
	}
	c := gjson.ParseBytes(content)
	if alg := c.Get("algorithm").Str; alg != crypto.AlgorithmGroup {
		r.logger.Warn().Str("algorithm", alg).Msg("dropping m.forwarded_room_key for unsupported algorithm")
		return
	}
	roomID := c.Get("room_id").Str
	sessionID := c.Get("session_id").Str
	sessionKey := c.Get("session_key").Str
	if roomID == "" || sessionID == "" || sessionKey == "" {
		r.logger.Warn().Str("room", roomID).Str("session", sessionID).Msg("dropping m.forwarded_room_key with missing fields")
		return
	}
	senderKey := c.Get("sender_key").Str
	if senderKey == "" {
		r.logger.Warn().Str("session", sessionID).Msg("dropping m.forwarded_room_key with no sender_key")
		return
	}
	claimedEd25519Key := c.Get("sender_claimed_ed25519_key").Str
	if claimedEd25519Key == "" {
		r.logger.Warn().Str("session", sessionID).Msg("dropping m.forwarded_room_key with no claimed signing key")
		return
	}
	var chain []string
	for _, link := range c.Get("forwarding_curve25519_key_chain").Array() {
		chain = append(chain, link.Str)
	}
	chain = append(chain, forwarderKey)

	session, err := crypto.NewInboundGroupSession(sessionID, senderKey, roomID, sessionKey)
	if err != nil {
		r.logger.Warn().Err(err).Str("session", sessionID).Msg("dropping m.forwarded_room_key with bad session key")
		return
	}
	session.ClaimedKeys = map[string]string{"ed25519": claimedEd25519Key}
	session.ForwardingChains = chain
	session.IsExport = true
	r.putSession(session)
}

// putSession stores an ingested session unless we already hold one for the
// same (session ID, sender key) pair that knows an earlier ratchet index. A
// lower first-known index decrypts a superset of messages, so the session
// that knows more always wins; on a tie the stored one stays.
func (r *Resolver) putSession(session *crypto.InboundGroupSession) {
	store := r.machine.Store()
	existing, err := store.InboundGroupSession(session.SessionID, session.SenderKey)
	if err != nil {
		r.logger.Err(err).Str("session", session.SessionID).Msg("failed to look up existing group session")
		return
	}
	if existing != nil && existing.FirstKnownIndex() <= session.FirstKnownIndex() {
		return
	}
	if err := store.PutInboundGroupSession(session); err != nil {
		r.logger.Err(err).Str("session", session.SessionID).Msg("failed to store group session")
	}
}
