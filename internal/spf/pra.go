package spf

import "strings"

// Header is one header field, in the order it appeared in the message.
// It is a minimal, package-local shape so callers can feed in headers
// parsed however they like (internal/dkim's message parser, or a
// net/mail.Header) without this package depending on either.
type Header struct {
	Name  string
	Value string
}

// SelectPRA implements the Purported Responsible Address algorithm of
// RFC 4407 section 2: scan headers, in order, for the first non-empty
// Resent-Sender, Resent-From, Sender or From header, in that preference
// order, with the Received/Return-Path fix-up rule. It returns the index
// into headers of the selected header and ok=true, or ok=false when no
// selection can be made (e.g. multiple Sender or multiple From).
func SelectPRA(headers []Header) (idx int, ok bool) {
	resentSender, resentFrom := -1, -1
	sender, senderCount := -1, 0
	from, fromCount := -1, 0

	for i, h := range headers {
		if strings.TrimSpace(h.Value) == "" {
			continue
		}
		switch strings.ToLower(h.Name) {
		case "resent-sender":
			if resentSender < 0 {
				resentSender = i
			}
		case "resent-from":
			if resentFrom < 0 {
				resentFrom = i
			}
		case "sender":
			sender = i
			senderCount++
		case "from":
			from = i
			fromCount++
		}
	}

	if resentSender >= 0 && resentFrom >= 0 {
		if hasInterveningBoundary(headers, resentSender, resentFrom) {
			return resentFrom, true
		}
		return resentSender, true
	}
	if resentSender >= 0 {
		return resentSender, true
	}
	if resentFrom >= 0 {
		return resentFrom, true
	}
	if senderCount > 1 {
		return -1, false
	}
	if sender >= 0 {
		return sender, true
	}
	if fromCount > 1 {
		return -1, false
	}
	if from >= 0 {
		return from, true
	}
	return -1, false
}

// hasInterveningBoundary reports whether a Received or Return-Path
// header appears between indexes a and b (exclusive), which per RFC
// 4407 marks the message as having been reinjected and makes
// Resent-From the more trustworthy of the two.
func hasInterveningBoundary(headers []Header, a, b int) bool {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	for i := lo + 1; i < hi; i++ {
		switch strings.ToLower(headers[i].Name) {
		case "received", "return-path":
			return true
		}
	}
	return false
}
