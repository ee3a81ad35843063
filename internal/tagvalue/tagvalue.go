// Package tagvalue parses the tag=value; list syntax shared by DKIM
// signature headers, DKIM/ATPS public key TXT records, and DMARC policy
// TXT records (RFC 6376 section 3.2, RFC 7489 section 6.4). It
// generalizes the single-purpose parser the DKIM verifier used
// internally so the DMARC/ADSP/ATPS layer does not need its own copy.
package tagvalue

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
)

// List is a parsed tag=value list, keyed by tag name.
type List map[string]string

// Options controls ParseList's strictness.
type Options struct {
	// WSPOnly rejects folding whitespace (any CR or LF) anywhere in the
	// list, for record types that predate FWS tolerance in the tag-list
	// grammar (ADSP, RFC 5617 section 4.1 allows only WSP between
	// tokens).
	WSPOnly bool
}

var errMissingEquals = fmt.Errorf("tagvalue: missing '='")
var errEmptyName = fmt.Errorf("tagvalue: empty tag name")
var errDuplicateTag = fmt.Errorf("tagvalue: duplicate tag")
var errFoldingWhitespace = fmt.Errorf("tagvalue: folding whitespace not allowed here")

// ParseList parses s as a ';'-separated, '='-delimited tag-value list.
// Leading/trailing whitespace around tag names and values is trimmed. A
// trailing ';' is tolerated. A duplicate tag name makes the whole list
// invalid, per RFC 6376 section 3.2.
func ParseList(s string, opts Options) (List, error) {
	if opts.WSPOnly && strings.ContainsAny(s, "\r\n") {
		return nil, errFoldingWhitespace
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")

	list := make(List)
	for _, tv := range strings.Split(s, ";") {
		name, value, found := strings.Cut(tv, "=")
		if !found {
			return nil, errMissingEquals
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			return nil, errEmptyName
		}
		if _, exists := list[name]; exists {
			return nil, fmt.Errorf("%w: %q", errDuplicateTag, name)
		}
		list[name] = value
	}
	return list, nil
}

// Get returns the tag's value, or "" when the tag is absent. It cannot
// distinguish present-but-empty from absent — use the two-result map
// index directly when that matters.
func (l List) Get(tag string) string {
	return l[tag]
}

// ValidateDomain reports whether s is a syntactically valid DNS domain
// name for use as a DKIM SDID, ATPS domain, or DMARC record owner: each
// label non-empty and at most 63 octets, total length at most 253.
func ValidateDomain(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(s, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
	}
	return true
}

// whitespaceEater strips the whitespace that RFC 6376 base64 values are
// permitted to contain (used to fold long b=/bh=/p= tags across
// multiple header continuation lines).
var whitespaceEater = strings.NewReplacer(" ", "", "\t", "", "\r", "", "\n", "")

// DecodeBase64Loose decodes s as standard base64 after stripping any
// interior whitespace, matching the "folding whitespace... MUST be
// ignored" tolerance RFC 6376 section 3.5 requires for b=, bh= and p=.
func DecodeBase64Loose(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(whitespaceEater.Replace(s))
}

// EncodeBase32ATPS renders the lowercase-SDID hash used to build the
// "<base32>._atps.<domain>" query name for RFC 6541 ATPS lookups, using
// unpadded base32 per that RFC's section 3.
func EncodeBase32ATPS(sum []byte) string {
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum))
}

// SplitMailbox parses a single RFC 5322 mailbox and returns its
// localpart and domain, lowercased in the domain per usual DNS
// case-insensitivity. Unlike a bare split on '@', it handles display
// names and quoted localparts, via net/mail's full grammar.
func SplitMailbox(raw string) (local, domain string, err error) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", "", fmt.Errorf("tagvalue: %w", err)
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at < 0 {
		return "", "", fmt.Errorf("tagvalue: address %q has no domain", addr.Address)
	}
	return addr.Address[:at], strings.ToLower(addr.Address[at+1:]), nil
}
