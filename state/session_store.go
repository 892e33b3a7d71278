package state

import (
	"github.com/matrix-org/background-sync/crypto"
)

// SessionStore implements crypto.Store for a single device, backed by the
// Postgres session tables. Unlike the resolver's event cache, sessions
// outlive the resolver: keys ingested during one wakeup decrypt events
// resolved during any later one.
type SessionStore struct {
	userID        string
	deviceID      string
	groupSessions *InboundGroupSessionsTable
	olmSessions   *OlmSessionsTable
}

func (s *SessionStore) InboundGroupSession(sessionID, senderKey string) (*crypto.InboundGroupSession, error) {
	return s.groupSessions.Select(s.userID, s.deviceID, sessionID, senderKey)
}

func (s *SessionStore) PutInboundGroupSession(session *crypto.InboundGroupSession) error {
	return s.groupSessions.Upsert(s.userID, s.deviceID, session)
}

func (s *SessionStore) OlmSessions(senderKey string) ([]*crypto.OlmSession, error) {
	return s.olmSessions.SelectBySenderKey(s.userID, s.deviceID, senderKey)
}

func (s *SessionStore) PutOlmSession(senderKey string, session *crypto.OlmSession) error {
	return s.olmSessions.Upsert(s.userID, s.deviceID, senderKey, session)
}
