package dmarc

import (
	"fmt"
	"net/mail"
	"strings"
)

// ErrNoAuthor and ErrMultipleAuthors correspond to the "Identifier
// Alignment" precondition in RFC 7489 section 6.6.1: DMARC (and, by
// extension, ADSP and ATPS, which also key off the single Author
// domain) cannot be evaluated unless exactly one non-empty From header
// is present.
var (
	ErrNoAuthor        = fmt.Errorf("dmarc: no From header field")
	ErrMultipleAuthors = fmt.Errorf("dmarc: multiple From header fields")
)

// Header is the minimal header-field shape this package needs,
// mirroring internal/spf.Header so callers can reuse the same ordered
// header list for PRA selection, DKIM's h= walk and DMARC Author
// extraction without three different representations.
type Header struct {
	Name  string
	Value string
}

// Author is one mailbox extracted from the RFC5322.From field.
type Author struct {
	Local  string
	Domain string
}

// ExtractAuthors finds the single non-empty From header field and
// parses its value as a mailbox-list: every mailbox in that one field
// becomes an Author, evaluated independently. Zero or multiple
// non-empty From *header fields* is a permerror; multiple mailboxes
// within the one From field is not, it is simply multiple Authors.
func ExtractAuthors(headers []Header) ([]Author, error) {
	var raw string
	seen := false
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "From") {
			continue
		}
		if strings.TrimSpace(h.Value) == "" {
			continue
		}
		if seen {
			return nil, ErrMultipleAuthors
		}
		raw = h.Value
		seen = true
	}
	if !seen {
		return nil, ErrNoAuthor
	}

	list, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, fmt.Errorf("dmarc: malformed From header: %w", err)
	}
	if len(list) == 0 {
		return nil, ErrNoAuthor
	}

	authors := make([]Author, 0, len(list))
	for _, addr := range list {
		at := strings.LastIndexByte(addr.Address, '@')
		if at < 0 {
			continue
		}
		authors = append(authors, Author{
			Local:  addr.Address[:at],
			Domain: strings.ToLower(addr.Address[at+1:]),
		})
	}
	if len(authors) == 0 {
		return nil, ErrNoAuthor
	}
	return authors, nil
}
