package internal

import "testing"

func TestDeviceDataSame(t *testing.T) {
	testCases := []struct {
		name string
		a    DeviceData
		b    DeviceData
		same bool
	}{
		{
			name: "both empty",
			same: true,
		},
		{
			name: "nil equals empty",
			a:    DeviceData{OTKCounts: map[string]int{}, FallbackKeyTypes: []string{}},
			same: true,
		},
		{
			name: "identical",
			a:    DeviceData{OTKCounts: map[string]int{"signed_curve25519": 50}, FallbackKeyTypes: []string{"signed_curve25519"}},
			b:    DeviceData{OTKCounts: map[string]int{"signed_curve25519": 50}, FallbackKeyTypes: []string{"signed_curve25519"}},
			same: true,
		},
		{
			name: "identity does not matter",
			a:    DeviceData{UserID: "@a:localhost", DeviceID: "A", OTKCounts: map[string]int{"signed_curve25519": 3}},
			b:    DeviceData{UserID: "@b:localhost", DeviceID: "B", OTKCounts: map[string]int{"signed_curve25519": 3}},
			same: true,
		},
		{
			name: "count changed",
			a:    DeviceData{OTKCounts: map[string]int{"signed_curve25519": 50}},
			b:    DeviceData{OTKCounts: map[string]int{"signed_curve25519": 49}},
		},
		{
			name: "fallback changed",
			a:    DeviceData{FallbackKeyTypes: []string{"signed_curve25519"}},
			b:    DeviceData{},
		},
	}
	for _, tc := range testCases {
		if got := tc.a.Same(tc.b); got != tc.same {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.same)
		}
		if got := tc.b.Same(tc.a); got != tc.same {
			t.Errorf("%s (reversed): got %v want %v", tc.name, got, tc.same)
		}
	}
}
