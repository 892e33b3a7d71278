package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "bgsync_data"
)

// logging metadata for a single resolution request
type data struct {
	userID            string
	deviceID          string
	eventID           string
	roomID            string
	syncRounds        int
	numToDeviceEvents int
}

// RequestContext prepares a request context so it can carry resolution metadata.
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		syncRounds:        -1,
		numToDeviceEvents: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetRequestContextUserID adds the user/device to this request context. Need
// to have called RequestContext first.
func SetRequestContextUserID(ctx context.Context, userID, deviceID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
	da.deviceID = deviceID
}

// SetRequestContextResolveInfo records which event was asked for and how much
// work resolving it took.
func SetRequestContextResolveInfo(ctx context.Context, eventID, roomID string, syncRounds, numToDeviceEvents int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.eventID = eventID
	da.roomID = roomID
	da.syncRounds = syncRounds
	da.numToDeviceEvents = numToDeviceEvents
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.deviceID != "" {
		l = l.Str("dev", da.deviceID)
	}
	if da.eventID != "" {
		l = l.Str("e", da.eventID)
	}
	if da.roomID != "" {
		l = l.Str("r", da.roomID)
	}
	if da.syncRounds >= 0 {
		l = l.Int("s", da.syncRounds)
	}
	if da.numToDeviceEvents > 0 {
		l = l.Int("d", da.numToDeviceEvents)
	}
	return l
}
