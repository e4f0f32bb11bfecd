package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net"
)

// PSKBackend implements the "PSK" scheme of the chunkserver.meta.auth.authType
// bitmap: a pre-shared-key HMAC challenge/response. It is the one concrete
// backend in this repository that exercises the handshake's "authenticate,
// then optionally install a transport filter" contract end-to-end without an
// external KDC or certificate chain (SPEC_FULL.md Auth backend supplement).
type PSKBackend struct {
	KeyID string
	Key   []byte

	nonce []byte
}

func (p *PSKBackend) Enabled() bool { return len(p.Key) > 0 }

// Request returns "<KeyID>:<fresh nonce>" as the request blob if PSK is
// present in the bitmap; the server is expected to HMAC the nonce back.
func (p *PSKBackend) Request(authTypeBitmap string) (string, []byte, error) {
	if !containsScheme(authTypeBitmap, "PSK") {
		return "", nil, fmt.Errorf("auth: PSK not offered in %q", authTypeBitmap)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("auth: generate nonce: %w", err)
	}
	p.nonce = nonce

	return "PSK", []byte(p.KeyID + ":" + string(nonce)), nil
}

// Response verifies the server's HMAC(nonce) response. PSK never installs
// a transport filter — it is a pure handshake-gate scheme.
func (p *PSKBackend) Response(chosenType string, blob []byte) (net.Conn, error) {
	if chosenType != "PSK" {
		return nil, fmt.Errorf("auth: unexpected chosen type %q", chosenType)
	}

	mac := hmac.New(sha256.New, p.Key)
	mac.Write(p.nonce)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, blob) {
		return nil, fmt.Errorf("auth: PSK response mismatch")
	}

	return nil, nil
}

func containsScheme(bitmap, scheme string) bool {
	for _, s := range splitFields(bitmap) {
		if s == scheme {
			return true
		}
	}
	return false
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
