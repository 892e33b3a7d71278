package internal

import "strings"

// HomeserverDestination tells the sync client where the homeserver lives.
// Requests are built against BaseURL; when SocketPath is set the transport
// must dial that unix socket instead, and BaseURL is only a placeholder to
// keep net/http happy.
type HomeserverDestination struct {
	BaseURL    string
	SocketPath string
}

// ParseDestination interprets s as a unix socket path when it starts with /
// and as an HTTP(S) base URL otherwise.
func ParseDestination(s string) HomeserverDestination {
	if strings.HasPrefix(s, "/") {
		return HomeserverDestination{BaseURL: "http://unix", SocketPath: s}
	}
	return HomeserverDestination{BaseURL: s}
}
