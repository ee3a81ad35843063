package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// expandMacro expands a domain-spec (or, with explanation=true, an
// explanation string) against the current evaluation state, per RFC
// 7208 section 7. A direct left-to-right scan is enough for this
// grammar, which has no recursion.
func expandMacro(s *state, currentDomain, spec string, explanation bool) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(spec) {
		c := spec[i]
		if c != '%' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(spec) {
			return "", fmt.Errorf("macro: trailing %%")
		}
		switch spec[i+1] {
		case '%':
			out.WriteByte('%')
			i += 2
		case '_':
			out.WriteByte(' ')
			i += 2
		case '-':
			out.WriteString("%20")
			i += 2
		case '{':
			end := strings.IndexByte(spec[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("macro: unterminated %%{")
			}
			expansion, err := expandLetter(s, currentDomain, spec[i+2:i+end], explanation)
			if err != nil {
				return "", err
			}
			out.WriteString(expansion)
			i += end + 1
		default:
			return "", fmt.Errorf("macro: invalid escape %%%c", spec[i+1])
		}
	}

	return trimToFit(out.String())
}

// trimToFit implements RFC 7208 section 7.2's domain-length repair:
// successive left-most labels are dropped until the result fits in 253
// octets (only meaningful for domain-spec expansions; explanation text
// is unaffected by this rule in practice since it is never queried as a
// DNS name, but applying it uniformly is harmless).
func trimToFit(name string) (string, error) {
	for len(name) > 253 {
		dot := strings.IndexByte(name, '.')
		if dot < 0 {
			return "", fmt.Errorf("macro: expansion has no labels left to trim")
		}
		name = name[dot+1:]
	}
	return name, nil
}

// expandLetter parses and evaluates one "letter[digit][r][delimiters]"
// macro-expr body (the part between %{ and }).
func expandLetter(s *state, currentDomain, body string, explanation bool) (string, error) {
	if body == "" {
		return "", fmt.Errorf("macro: empty macro-expr")
	}
	letter := body[0]
	rest := body[1:]

	value, err := macroLetterValue(s, currentDomain, letter, explanation)
	if err != nil {
		return "", err
	}

	digits := ""
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		digits += string(rest[i])
		i++
	}
	reversed := false
	if i < len(rest) && (rest[i] == 'r' || rest[i] == 'R') {
		reversed = true
		i++
	}
	delims := "."
	if i < len(rest) {
		delims = rest[i:]
		if err := validDelimiterSet(delims); err != nil {
			return "", err
		}
	}

	return transform(value, digits, reversed, delims, letter >= 'A' && letter <= 'Z')
}

func validDelimiterSet(delims string) error {
	seen := map[byte]bool{}
	for i := 0; i < len(delims); i++ {
		c := delims[i]
		if !strings.ContainsRune(".-+,/_=", rune(c)) {
			return fmt.Errorf("macro: invalid delimiter %q", string(c))
		}
		if seen[c] {
			return fmt.Errorf("macro: repeated delimiter %q", string(c))
		}
		seen[c] = true
	}
	return nil
}

func macroLetterValue(s *state, currentDomain string, letter byte, explanation bool) (string, error) {
	lower := letter
	if lower >= 'A' && lower <= 'Z' {
		lower += 'a' - 'A'
	}
	switch lower {
	case 's':
		return s.sender, nil
	case 'l':
		local, _ := splitSender(s.sender)
		if local == "" {
			local = "postmaster"
		}
		return local, nil
	case 'o':
		_, dom := splitSender(s.sender)
		return dom, nil
	case 'd':
		return currentDomain, nil
	case 'i':
		return dottedIP(s.ip), nil
	case 'p':
		return "unknown", nil
	case 'v':
		if ipVersion(s.ip) == "4" {
			return "in-addr", nil
		}
		return "ip6", nil
	case 'h':
		if s.helo == "" {
			return "unknown", nil
		}
		return s.helo, nil
	case 'c':
		if !explanation {
			return "", fmt.Errorf("macro: %%{c} only valid in exp=")
		}
		return s.ip.String(), nil
	case 'r':
		if !explanation {
			return "", fmt.Errorf("macro: %%{r} only valid in exp=")
		}
		return "unknown", nil
	case 't':
		if !explanation {
			return "", fmt.Errorf("macro: %%{t} only valid in exp=")
		}
		return "0", nil
	default:
		return "", fmt.Errorf("macro: unknown letter %q", string(letter))
	}
}

func splitSender(sender string) (local, domain string) {
	at := strings.LastIndexByte(sender, '@')
	if at < 0 {
		return "", sender
	}
	return sender[:at], sender[at+1:]
}

// dottedIP renders the IP per RFC 7208 section 7.3: dotted-quad for v4,
// dot-separated nibbles for v6.
func dottedIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	v6 := ip.To16()
	var parts []string
	for _, b := range v6 {
		parts = append(parts, strconv.FormatInt(int64(b>>4), 16), strconv.FormatInt(int64(b&0xf), 16))
	}
	return strings.Join(parts, ".")
}

// transform implements the macro-transformers: optional N-rightmost
// truncation (after optional reversal) over delim-split labels, per RFC
// 7208 section 7.3. Uppercase letters (signalled via upper) apply
// RFC 3986 percent-encoding after the rest of the transform.
func transform(value, digits string, reversed bool, delims string, upper bool) (string, error) {
	labels := splitAny(value, delims)
	if reversed {
		for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
			labels[i], labels[j] = labels[j], labels[i]
		}
	}
	if digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil {
			return "", fmt.Errorf("macro: invalid digit transform %q", digits)
		}
		if n <= 0 {
			return "", fmt.Errorf("macro: digit transform must be positive")
		}
		if n < len(labels) {
			labels = labels[len(labels)-n:]
		}
	}
	result := strings.Join(labels, ".")
	if upper {
		result = percentEncodeUnreserved(result)
	}
	return result, nil
}

// percentEncodeUnreserved percent-encodes every byte outside the RFC
// 3986 unreserved set (ALPHA / DIGIT / "-" / "." / "_" / "~"), used for
// the uppercase-letter URL-escaping transform in RFC 7208 section 7.3.
// net/url's QueryEscape encodes space as "+" rather than "%20" and
// treats "~" as reserved, so it is not a drop-in match for this ABNF.
func percentEncodeUnreserved(s string) string {
	const hex = "0123456789ABCDEF"
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			out.WriteByte(c)
			continue
		}
		out.WriteByte('%')
		out.WriteByte(hex[c>>4])
		out.WriteByte(hex[c&0xf])
	}
	return out.String()
}

func splitAny(s, delims string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(delims, r)
	})
}
