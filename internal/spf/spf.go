// Package spf implements the SPF check_host algorithm (RFC 7208) and its
// Sender ID / PRA variant (RFC 4407), including macro expansion, all
// mechanisms and modifiers, and the DNS and void-lookup budgets.
//
// References:
// https://tools.ietf.org/html/rfc7208
// https://tools.ietf.org/html/rfc4407
package spf

import (
	"context"
	"fmt"
	"net"
	"strings"

	"blitiri.com.ar/go/authd/internal/resolver"
)

// Result is the outcome of a check_host evaluation. The string values
// match the RFC 7208 section 8 result names exactly, since they are
// rendered directly into Authentication-Results headers.
type Result string

const (
	None      Result = "none"
	Neutral   Result = "neutral"
	Pass      Result = "pass"
	Fail      Result = "fail"
	SoftFail  Result = "softfail"
	TempError Result = "temperror"
	PermError Result = "permerror"
)

// qualToResult maps an SPF qualifier character to the Result a matching
// directive produces. '+' is the default when a directive carries none.
var qualToResult = map[byte]Result{
	'+': Pass,
	'-': Fail,
	'~': SoftFail,
	'?': Neutral,
}

// Scope selects which TXT record variant check_host looks for: the
// plain SPF1 record, or one of the two Sender ID scopes layered on top
// of the same record syntax (RFC 4406).
type Scope int

const (
	ScopeSPF1 Scope = iota
	ScopeSPF2MFrom
	ScopeSPF2PRA
)

func (s Scope) String() string {
	switch s {
	case ScopeSPF1:
		return "spf1"
	case ScopeSPF2MFrom:
		return "spf2.0/mfrom"
	case ScopeSPF2PRA:
		return "spf2.0/pra"
	default:
		return "unknown"
	}
}

func (s Scope) isSenderID() bool {
	return s == ScopeSPF2MFrom || s == ScopeSPF2PRA
}

// Policy bounds the resource cost of one evaluation. Zero-value fields
// are replaced by DefaultPolicy's values by Policy.withDefaults.
type Policy struct {
	// MaxDNSLookups bounds the number of include/a/mx/ptr/exists/redirect
	// mechanisms processed across the whole recursive evaluation.
	MaxDNSLookups int
	// MaxVoidLookups bounds the number of NXDOMAIN/NODATA answers seen.
	MaxVoidLookups int
	// MaxMXTargets bounds the number of MX exchanges inspected by one
	// "mx" mechanism.
	MaxMXTargets int
	// MaxPTRTargets bounds the number of PTR names forward-confirmed by
	// one "ptr" mechanism.
	MaxPTRTargets int
	// UseSPFType, when true, attempts an SPF-type (RR 99) lookup before
	// falling back to TXT, per RFC 7208 section 3. Most authoritative
	// servers no longer publish type 99, so this defaults to false.
	UseSPFType bool
}

// DefaultPolicy matches the limits mandated or recommended by RFC 7208.
var DefaultPolicy = Policy{
	MaxDNSLookups:  10,
	MaxVoidLookups: 2,
	MaxMXTargets:   10,
	MaxPTRTargets:  10,
	UseSPFType:     false,
}

func (p Policy) withDefaults() Policy {
	if p.MaxDNSLookups == 0 {
		p.MaxDNSLookups = DefaultPolicy.MaxDNSLookups
	}
	if p.MaxVoidLookups == 0 {
		p.MaxVoidLookups = DefaultPolicy.MaxVoidLookups
	}
	if p.MaxMXTargets == 0 {
		p.MaxMXTargets = DefaultPolicy.MaxMXTargets
	}
	if p.MaxPTRTargets == 0 {
		p.MaxPTRTargets = DefaultPolicy.MaxPTRTargets
	}
	return p
}

// Explanation is the optional human-readable text attached to a Fail
// result via an exp= modifier.
type Explanation string

// Outcome is the full result of a Check call: the Result itself, plus an
// explanation (populated only for top-level Fail results with exp=) and
// a description of the mechanism that matched.
type Outcome struct {
	Result      Result
	Explanation Explanation
	Mechanism   string // textual description of what matched, for tracing
}

// Checker evaluates check_host against a resolver and policy. The zero
// Checker is not usable; use NewChecker.
type Checker struct {
	Resolver resolver.Resolver
	Policy   Policy
	Trace    TraceFunc
}

// NewChecker returns a Checker backed by res, using DefaultPolicy.
func NewChecker(res resolver.Resolver) *Checker {
	return &Checker{Resolver: res, Policy: DefaultPolicy}
}

// CheckHost runs check_host(ip, domain, sender) for the SPF1 scope. This
// is the common entry point used by MAIL FROM (and HELO, with sender set
// to the HELO identity per RFC 7208 section 2.4) verification.
func (c *Checker) CheckHost(ctx context.Context, ip net.IP, domain, sender string) Outcome {
	return c.check(ctx, ip, domain, sender, "", ScopeSPF1)
}

// CheckSenderID runs check_host for one of the Sender ID scopes
// (spf2.0/mfrom or spf2.0/pra). helo is used for the %{h} macro.
func (c *Checker) CheckSenderID(ctx context.Context, ip net.IP, domain, sender, helo string, scope Scope) Outcome {
	return c.check(ctx, ip, domain, sender, helo, scope)
}

func (c *Checker) check(ctx context.Context, ip net.IP, domain, sender, helo string, scope Scope) Outcome {
	res := resolverFromContext(ctx, c.Resolver)
	s := &state{
		res:    res,
		ip:     ip,
		sender: sender,
		helo:   helo,
		scope:  scope,
		policy: c.Policy.withDefaults(),
		trace:  c.Trace,
	}
	result := s.checkHost(ctx, domain)
	return result
}

// checkHost is the recursive core of check_host, called directly for the
// top-level domain and again (via include/redirect) for sub-evaluations
// that share the same counters and loop-detection stack.
func (s *state) checkHost(ctx context.Context, domain string) Outcome {
	if !validDomain(domain) {
		s.tracef("invalid domain %q", domain)
		return Outcome{Result: None}
	}
	if r, ok := s.pushDomain(domain); !ok {
		s.tracef("loop detected at %q", domain)
		return Outcome{Result: r}
	}
	defer s.popDomain()

	record, result, ok := s.fetchRecord(ctx, domain)
	if !ok {
		return Outcome{Result: result}
	}
	if record == nil {
		return Outcome{Result: None}
	}

	terms, err := parseRecord(*record)
	if err != nil {
		s.tracef("parse error for %q: %v", domain, err)
		return Outcome{Result: PermError}
	}

	return s.evalTerms(ctx, domain, terms)
}

// evalTerms runs the directives of one parsed record in order, then
// falls through to redirect= and finally the implicit neutral default,
// per RFC 7208 sections 5 and 6.1.
func (s *state) evalTerms(ctx context.Context, domain string, rec *record) Outcome {
	for _, d := range rec.directives {
		if d.mechanism.consumesLookup() {
			if lim, ok := s.countLookup(); !ok {
				return Outcome{Result: lim}
			}
		}
		matched, result, desc, err := s.evalMechanism(ctx, domain, d)
		if err != nil {
			s.tracef("mechanism %v error: %v", d, err)
		}
		if matched {
			out := Outcome{Result: result, Mechanism: desc}
			// exp= only applies to a top-level fail; a fail inside an
			// include is just a no-match for the parent, so its
			// explanation would be discarded anyway (RFC 7208 section
			// 6.2). A redirect target's own exp= still applies.
			if result == Fail && rec.exp != "" && s.includeDepth == 0 {
				out.Explanation = s.fetchExplanation(ctx, domain, rec.exp)
			}
			return out
		}
	}

	if rec.redirect != "" {
		target, err := expandMacro(s, domain, rec.redirect, false)
		if err != nil {
			return Outcome{Result: PermError}
		}
		if lim, ok := s.countLookup(); !ok {
			return Outcome{Result: lim}
		}
		out := s.checkHost(ctx, target)
		if out.Result == None {
			out.Result = PermError
		}
		return out
	}

	return Outcome{Result: Neutral}
}

// fetchExplanation resolves an exp= modifier into its explanation text.
// Per RFC 7208 section 6.2, any failure here is silent: the surrounding
// Fail result is returned regardless.
func (s *state) fetchExplanation(ctx context.Context, domain, expDomainSpec string) Explanation {
	target, err := expandMacro(s, domain, expDomainSpec, false)
	if err != nil {
		return ""
	}
	ans, err := s.res.LookupTXT(ctx, target)
	if err != nil || ans.Status != resolver.NOERROR || len(ans.Records) != 1 {
		return ""
	}
	text, err := expandMacro(s, domain, ans.Records[0], true)
	if err != nil {
		return ""
	}
	return Explanation(text)
}

func asciiLower(s string) string {
	return strings.ToLower(s)
}

// validDomain checks the <domain> argument per RFC 7208 section 4.3:
// valid atext labels, none over 63 octets, total no more than 253.
func validDomain(domain string) bool {
	if domain == "" || len(domain) > 253 {
		return false
	}
	labels := strings.Split(strings.TrimSuffix(domain, "."), ".")
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return false
		}
	}
	return true
}

// ipVersion reports "4" or "6" for use in %{v} expansion and in choosing
// which address family a/mx mechanisms query.
func ipVersion(ip net.IP) string {
	if ip.To4() != nil {
		return "4"
	}
	return "6"
}

func fmtMatch(kind string, detail interface{}) string {
	return fmt.Sprintf("matched %s (%v)", kind, detail)
}
