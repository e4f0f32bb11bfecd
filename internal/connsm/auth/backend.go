// Package auth implements the pluggable authentication backend spec.md
// treats as an opaque external collaborator (spec.md §1, §4.5
// "authenticate"). Backend is the contract the connection state machine
// drives; NoopBackend and PSKBackend are the two concrete, in-repository
// implementations named in SPEC_FULL.md's Auth backend supplement.
package auth

import "net"

// Backend produces an authentication request blob for one of the
// configured schemes and consumes the server's response, optionally
// installing a transport filter on the connection.
type Backend interface {
	// Enabled reports whether authentication should run at all.
	Enabled() bool

	// Request returns the blob to send for the given (space-separated)
	// auth-type bitmap, and the scheme it chose from that bitmap.
	Request(authTypeBitmap string) (chosenType string, blob []byte, err error)

	// Response consumes the server's reply blob. It may return a non-nil
	// net.Conn wrapper to install as a transport filter on success.
	Response(chosenType string, blob []byte) (filter net.Conn, err error)
}

// NoopBackend disables authentication entirely — the default.
type NoopBackend struct{}

func (NoopBackend) Enabled() bool { return false }

func (NoopBackend) Request(string) (string, []byte, error) {
	return "", nil, nil
}

func (NoopBackend) Response(string, []byte) (net.Conn, error) {
	return nil, nil
}
