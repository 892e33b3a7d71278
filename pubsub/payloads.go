package pubsub

// ChanResolutions has Resolution* payloads.
const ChanResolutions = "resolutionch"

// ResolutionDone is published by a resolver when a resolution request has
// finished, successfully or not. Deliver invokes the caller's completion
// callback; it closes over the typed result so this package does not need to
// know about resolver types. It runs on the delivery goroutine, never on the
// resolver worker.
type ResolutionDone struct {
	UserID   string
	DeviceID string
	EventID  string
	Deliver  func()
}

func (r ResolutionDone) Type() string { return "r" }
