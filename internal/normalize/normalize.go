// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"bytes"
	"strings"

	"blitiri.com.ar/go/authd/internal/envelope"
	"golang.org/x/text/secure/precis"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalices an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// ToCRLF normalizes line endings in data to CRLF, the wire format RFC 5322
// headers and bodies are canonicalised and hashed against. It tolerates
// input that already uses CRLF (left untouched) or bare LF (widened).
func ToCRLF(data []byte) []byte {
	// Normalize any existing CRLF down to LF first, so a mixed-ending
	// input doesn't end up with CRCRLF.
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}

// StringToCRLF is ToCRLF for string literals, mainly useful in tests that
// embed a message as a backtick string (which Go leaves as bare LF).
func StringToCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
