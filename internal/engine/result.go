package engine

import (
	"blitiri.com.ar/go/authd/internal/authres"
	"blitiri.com.ar/go/authd/internal/dkim"
	"blitiri.com.ar/go/authd/internal/dmarc"
	"blitiri.com.ar/go/authd/internal/spf"
)

// AuthorResult bundles the per-Author outcomes (DMARC, ADSP, ATPS) for
// one RFC5322.From mailbox, since all three key off the same Author
// domain.
type AuthorResult struct {
	Author         dmarc.Author
	DMARC          dmarc.Outcome
	ADSP           dmarc.ADSPResult
	ATPS           dmarc.Result
	HadDMARCRecord bool
}

// Result is everything one message's evaluation produced: the per-
// identity verdicts, plus the rendered Authentication-Results header
// value a caller can prepend verbatim.
type Result struct {
	SPF       *spf.Outcome
	SPFDomain string

	SenderID       *spf.Outcome
	SenderIDDomain string

	DKIM *dkim.VerifyResult

	Authors []AuthorResult

	// AuthResults holds the Authentication-Results clauses; Rendered is
	// the folded header value (not including the field name itself),
	// using the policy's configured line terminator.
	AuthResults *authres.Set
	Rendered    string
}
