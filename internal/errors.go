package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Resolution failures, matchable with errors.Is. Lower layers wrap these with
// fmt.Errorf and %w to attach detail.
var (
	// ErrNotFound means the event was absent from every local source.
	ErrNotFound = errors.New("event not found")
	// ErrKeysUnavailable means the event is encrypted, no session can decrypt
	// it, and no further retry round is permitted.
	ErrKeysUnavailable = errors.New("decryption keys unavailable")
	// ErrDecryptionFailed means a decryption attempt ran and failed.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrUnknownAlgorithm means the event named an encryption algorithm we do
	// not support.
	ErrUnknownAlgorithm = errors.New("unknown encryption algorithm")
	// ErrNetworkFailure means the sync round could not be completed.
	ErrNetworkFailure = errors.New("sync request failed")
)

// HandlerError is an error which should be translated into an HTTP response
// with the given status code.
type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and BGSYNC_DEBUG=1 then the program panics.
// If expr is false and BGSYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors. Developers can
// make use of this function by setting BGSYNC_DEBUG=1 when running the server, which will fail-fast
// whenever a programming or logic error occurs.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("cursor is not empty", cursor != "")
//
// Which then produces:
//
//	assertion failed: cursor is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("BGSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
