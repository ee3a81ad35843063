// Package engine wires the SPF, DKIM and DMARC/ADSP/ATPS evaluators
// together behind one per-message type: envelope data drives SPF
// immediately, headers and body accumulate and feed DKIM, and
// DMARC/ADSP/ATPS run last since they need the DKIM results.
//
// The MTA glue (milter, SMTP server) that drives this per message is
// not part of this module; engine is the boundary it talks to.
package engine

import (
	"strings"
	"time"

	"blitiri.com.ar/go/authd/internal/set"
	"blitiri.com.ar/go/authd/internal/spf"
)

// VerificationPolicy bundles every resource cap and behavioural knob
// the evaluators take, as a single immutable value built once at
// daemon startup via NewPolicyBuilder.
type VerificationPolicy struct {
	spfPolicy spf.Policy

	maxDKIMSignatures int
	minRSABits        int
	acceptExpiredDKIM bool
	acceptFutureDKIM  bool
	clockSkew         time.Duration
	rfc4871Compat     bool

	maxDMARCAuthors int

	authServID string
	newline    string

	// trustedAuthServIDs are additional authserv-ids (beyond authServID
	// itself) whose pre-existing Authentication-Results headers we also
	// strip on ingress, e.g. other names this MTA has answered as.
	trustedAuthServIDs *set.String
}

// PolicyBuilder constructs a VerificationPolicy. Call the With*
// methods to override specific caps, then Build.
type PolicyBuilder struct {
	p VerificationPolicy
}

// NewPolicyBuilder returns a builder seeded with spf.DefaultPolicy's RFC
// 7208 limits, a 1024-bit minimum RSA key size, and caps of 5 verified
// DKIM signatures and 8 DMARC authors; the DKIM and DMARC caps are
// always finite.
func NewPolicyBuilder(authServID string) *PolicyBuilder {
	return &PolicyBuilder{p: VerificationPolicy{
		spfPolicy:         spf.DefaultPolicy,
		maxDKIMSignatures: 5,
		minRSABits:        1024,
		clockSkew:         0,
		maxDMARCAuthors:   8,
		authServID:        authServID,
		newline:           "\n",
	}}
}

// WithSPFPolicy overrides the DNS/void-lookup/MX/PTR caps and the SPF
// RR (type 99) lookup toggle used by the SPF evaluator.
func (b *PolicyBuilder) WithSPFPolicy(p spf.Policy) *PolicyBuilder {
	b.p.spfPolicy = p
	return b
}

// WithMaxDKIMSignatures bounds the number of DKIM-Signature headers
// actually verified; headers beyond this cap are still counted (in
// VerifyResult.Found) but reported as a policy result, protecting
// against signature flooding (RFC 6376 section 8.4).
func (b *PolicyBuilder) WithMaxDKIMSignatures(n int) *PolicyBuilder {
	b.p.maxDKIMSignatures = n
	return b
}

// WithMinRSABits overrides the minimum accepted DKIM RSA modulus size,
// defaulting to 1024 per RFC 8301 section 3.2.
func (b *PolicyBuilder) WithMinRSABits(bits int) *PolicyBuilder {
	b.p.minRSABits = bits
	return b
}

// WithDKIMTimePolicy configures whether expired or future-dated
// signatures are accepted anyway, and the clock skew tolerance applied
// to future-dated signatures.
func (b *PolicyBuilder) WithDKIMTimePolicy(acceptExpired, acceptFuture bool, skew time.Duration) *PolicyBuilder {
	b.p.acceptExpiredDKIM = acceptExpired
	b.p.acceptFutureDKIM = acceptFuture
	b.p.clockSkew = skew
	return b
}

// WithRFC4871CompatMode enables the legacy g= granularity check
// (RFC 4871 section 3.6.1, dropped by RFC 6376).
func (b *PolicyBuilder) WithRFC4871CompatMode(enabled bool) *PolicyBuilder {
	b.p.rfc4871Compat = enabled
	return b
}

// WithMaxDMARCAuthors bounds how many RFC5322.From mailboxes are
// evaluated per message, protecting against a From: header crafted
// with an unreasonable number of addresses.
func (b *PolicyBuilder) WithMaxDMARCAuthors(n int) *PolicyBuilder {
	b.p.maxDMARCAuthors = n
	return b
}

// WithTrustedAuthServIDs adds authserv-ids (beyond the primary one)
// whose existing Authentication-Results headers are also considered
// local, and therefore stripped on ingress to prevent spoofing.
func (b *PolicyBuilder) WithTrustedAuthServIDs(ids ...string) *PolicyBuilder {
	if b.p.trustedAuthServIDs == nil {
		b.p.trustedAuthServIDs = &set.String{}
	}
	for _, id := range ids {
		b.p.trustedAuthServIDs.Add(strings.ToLower(id))
	}
	return b
}

// WithNewline selects the line terminator used between folded
// Authentication-Results segments: "\n" (default) or "\r\n".
func (b *PolicyBuilder) WithNewline(newline string) *PolicyBuilder {
	b.p.newline = newline
	return b
}

// Build finalizes the policy. The returned value is never mutated
// again; Engine only ever reads it.
func (b *PolicyBuilder) Build() VerificationPolicy {
	return b.p
}

