package authres

import "strings"

// ParseAuthServID extracts the authserv-id token (RFC 8601 section
// 2.2's "value", almost always a dot-atom-text) from the start of one
// Authentication-Results header field value. It returns false if the
// value does not even begin with something that looks like an
// authserv-id.
func ParseAuthServID(value string) (id string, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}

	if value[0] == '"' {
		// quoted-string authserv-id: find the matching unescaped quote.
		i := 1
		var b strings.Builder
		for i < len(value) {
			switch value[i] {
			case '\\':
				if i+1 < len(value) {
					b.WriteByte(value[i+1])
					i += 2
					continue
				}
				return "", false
			case '"':
				return b.String(), true
			default:
				b.WriteByte(value[i])
				i++
			}
		}
		return "", false
	}

	// dot-atom-text: atext and '.', terminated by CFWS or ';'.
	end := strings.IndexFunc(value, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if end < 0 {
		end = len(value)
	}
	if end == 0 {
		return "", false
	}
	return value[:end], true
}

// StripLeadingMatching removes a leading run of existing
// Authentication-Results header field values whose authserv-id
// case-insensitively matches localID, per RFC 8601 section 5: an
// upstream attacker could otherwise inject a forged
// Authentication-Results claiming our own identity before the message
// ever reaches us.
//
// values is ordered as the header fields appeared on the wire (most
// recently added first, the usual MTA convention of prepending).
// Stripping stops at the first value whose authserv-id does not
// match, since anything added by a different, untrusted hop downstream
// of a spoofed prefix must be left alone.
func StripLeadingMatching(values []string, localID string) []string {
	i := 0
	for i < len(values) {
		id, ok := ParseAuthServID(values[i])
		if !ok || !strings.EqualFold(id, localID) {
			break
		}
		i++
	}
	return values[i:]
}
