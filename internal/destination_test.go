package internal

import "testing"

func TestParseDestination(t *testing.T) {
	socket := ParseDestination("/path/to/socket")
	if socket.SocketPath != "/path/to/socket" {
		t.Errorf("got socket path %q", socket.SocketPath)
	}
	if socket.BaseURL != "http://unix" {
		t.Errorf("got base URL %q want the unix placeholder", socket.BaseURL)
	}

	url := ParseDestination("https://matrix.example.com")
	if url.SocketPath != "" {
		t.Errorf("got socket path %q for an HTTP URL", url.SocketPath)
	}
	if url.BaseURL != "https://matrix.example.com" {
		t.Errorf("got base URL %q", url.BaseURL)
	}
}
