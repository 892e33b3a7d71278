package internal

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DeviceData is the end-to-end-encryption bookkeeping a sync response reports
// for one device: how many one-time keys the homeserver still holds for it,
// and which fallback key algorithms have an unused key. The latest values
// replace whatever was recorded before; there is no history.
type DeviceData struct {
	UserID   string `json:"-"`
	DeviceID string `json:"-"`
	// Latest device_one_time_keys_count values, keyed by algorithm.
	OTKCounts map[string]int `json:"otk"`
	// Latest device_unused_fallback_key_types value.
	FallbackKeyTypes []string `json:"fallback"`
}

// Same reports whether two snapshots carry identical key bookkeeping,
// regardless of which device they belong to. A nil map or slice counts the
// same as an empty one.
func (dd DeviceData) Same(other DeviceData) bool {
	return maps.Equal(dd.OTKCounts, other.OTKCounts) &&
		slices.Equal(dd.FallbackKeyTypes, other.FallbackKeyTypes)
}
