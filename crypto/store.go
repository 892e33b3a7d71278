package crypto

// Store persists session material for one device. Implementations need not be
// safe for concurrent use: all access happens on a resolver's worker.
type Store interface {
	// InboundGroupSession returns the session stored for (sessionID,
	// senderKey), or nil if there is none.
	InboundGroupSession(sessionID, senderKey string) (*InboundGroupSession, error)
	// PutInboundGroupSession stores a session under its (SessionID,
	// SenderKey) pair, replacing any existing entry.
	PutInboundGroupSession(session *InboundGroupSession) error
	// OlmSessions returns every one-to-one session for a peer identity key,
	// in the order they were first stored.
	OlmSessions(senderKey string) ([]*OlmSession, error)
	// PutOlmSession upserts a session for a peer identity key by session ID,
	// preserving first-stored order.
	PutOlmSession(senderKey string, session *OlmSession) error
}

// MemoryStore is the in-memory Store. Sessions live exactly as long as the
// owning resolver.
type MemoryStore struct {
	groupSessions map[groupSessionKey]*InboundGroupSession
	olmSessions   map[string][]*OlmSession
}

type groupSessionKey struct {
	sessionID string
	senderKey string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groupSessions: make(map[groupSessionKey]*InboundGroupSession),
		olmSessions:   make(map[string][]*OlmSession),
	}
}

func (s *MemoryStore) InboundGroupSession(sessionID, senderKey string) (*InboundGroupSession, error) {
	return s.groupSessions[groupSessionKey{sessionID, senderKey}], nil
}

func (s *MemoryStore) PutInboundGroupSession(session *InboundGroupSession) error {
	s.groupSessions[groupSessionKey{session.SessionID, session.SenderKey}] = session
	return nil
}

func (s *MemoryStore) OlmSessions(senderKey string) ([]*OlmSession, error) {
	return s.olmSessions[senderKey], nil
}

func (s *MemoryStore) PutOlmSession(senderKey string, session *OlmSession) error {
	for i, existing := range s.olmSessions[senderKey] {
		if existing.ID() == session.ID() {
			s.olmSessions[senderKey][i] = session
			return nil
		}
	}
	s.olmSessions[senderKey] = append(s.olmSessions[senderKey], session)
	return nil
}
