package engine

import (
	"strings"

	"blitiri.com.ar/go/authd/internal/authres"
	"blitiri.com.ar/go/authd/internal/dmarc"
	"blitiri.com.ar/go/authd/internal/resolver"
	"blitiri.com.ar/go/authd/internal/spf"
	"blitiri.com.ar/go/authd/internal/trace"
)

// Engine is the single type an MTA filter embeds. It owns one
// VerificationPolicy (immutable once built) and the Resolver every
// evaluation shares; both are read-only after construction and never
// locked, since Engine itself does no mutation after New.
type Engine struct {
	Resolver  resolver.Resolver
	Policy    VerificationPolicy
	OrgDomain dmarc.OrgDomainFunc
}

// New returns an Engine backed by res and policy. orgDomain resolves
// the Organizational Domain for DMARC's Org-Domain fallback and
// alignment checks; pass engine.DefaultOrgDomain for the
// golang.org/x/net/publicsuffix-backed implementation, or nil to
// degrade DMARC relaxed alignment to strict equality.
func New(res resolver.Resolver, policy VerificationPolicy, orgDomain dmarc.OrgDomainFunc) *Engine {
	return &Engine{Resolver: res, Policy: policy, OrgDomain: orgDomain}
}

// StripExistingAuthResults removes the leading run of pre-existing
// Authentication-Results header values claiming to be ours: the primary
// authserv-id or any of the trusted ones. An upstream sender could
// otherwise inject a forged header under our identity before the
// message reaches us. values must be ordered as they appeared on the
// wire (most recently prepended first).
func (e *Engine) StripExistingAuthResults(values []string) []string {
	i := 0
	for i < len(values) {
		id, ok := authres.ParseAuthServID(values[i])
		if !ok {
			break
		}
		id = strings.ToLower(id)
		if !strings.EqualFold(id, e.Policy.authServID) && !e.Policy.trustedAuthServIDs.Has(id) {
			break
		}
		i++
	}
	return values[i:]
}

// NewEvaluation returns a fresh per-message Evaluation. title is used
// only for the internal/trace.Trace family/title pair.
func (e *Engine) NewEvaluation(title string) *Evaluation {
	tr := trace.New("authd.engine", title)
	return &Evaluation{
		engine: e,
		trace:  tr,
		spfChecker: &spf.Checker{
			Resolver: e.Resolver,
			Policy:   e.Policy.spfPolicy,
			Trace: func(format string, a ...interface{}) {
				tr.Debugf(format, a...)
			},
		},
	}
}
