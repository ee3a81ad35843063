// Package dmarc implements DMARC record discovery and alignment (RFC
// 7489), its predecessor ADSP (RFC 5617) and the third-party signature
// authorization extension ATPS (RFC 6541). All three share the
// tag=value record syntax parsed by internal/tagvalue and the
// Organizational Domain fallback used when a per-domain _dmarc TXT
// record does not exist.
package dmarc

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"blitiri.com.ar/go/authd/internal/resolver"
	"blitiri.com.ar/go/authd/internal/tagvalue"
)

// Alignment is the relationship required between an authenticated
// domain and the Author (RFC5322.From) domain.
type Alignment byte

const (
	// AlignRelaxed requires only a shared Organizational Domain.
	AlignRelaxed Alignment = 'r'
	// AlignStrict requires exact domain equality.
	AlignStrict Alignment = 's'
)

// ReceiverPolicy is the disposition the record asks receivers to apply
// on a DMARC failure.
type ReceiverPolicy string

const (
	PolicyNone       ReceiverPolicy = "none"
	PolicyQuarantine ReceiverPolicy = "quarantine"
	PolicyReject     ReceiverPolicy = "reject"
)

// Record is a parsed DMARC policy record (RFC 7489 section 6.3).
type Record struct {
	// Policy is the p= tag: the requested disposition for the
	// organizational domain itself.
	Policy ReceiverPolicy
	// SubdomainPolicy is the sp= tag, falling back to Policy when
	// absent, per RFC 7489 section 6.3.
	SubdomainPolicy ReceiverPolicy
	DKIMAlignment   Alignment
	SPFAlignment    Alignment
	// Percent is the pct= tag (0-100), defaulting to 100. It gates only
	// the reporter action, never the Outcome's pass/fail verdict, per
	// spec: sampling applies to enforcement, not authentication.
	Percent int
	// ReportURIAggregate/ReportURIFailure hold the rua=/ruf= tags
	// verbatim (comma-separated URI lists); this engine does not send
	// reports, it only surfaces them for a host that might.
	ReportURIAggregate string
	ReportURIFailure   string
}

// errInvalidPolicy is returned by parseReceiverPolicy for any p=/sp=
// value other than none/quarantine/reject. Some verifiers silently
// rewrite an invalid p= to "none" at parse time; that hides a
// malformed record from the operator, so here the whole record is
// rejected with ErrPermError, per RFC 7489 section 6.4.
var errInvalidPolicy = fmt.Errorf("dmarc: invalid policy value")

// ErrPermError marks a record that is syntactically present but
// unusable: callers should treat this the same as PermError in the
// Authentication-Results vocabulary.
var ErrPermError = fmt.Errorf("dmarc: permerror")

// ParseRecord parses the tag=value body of a _dmarc TXT record. Tag
// parsing is lenient per RFC 7489 section 6.4 ("unrecognized tags...
// MUST be ignored... failure to parse the tag MUST result in... the
// default value being used") for every tag except v= and p=, which
// must be present and, for p=, syntactically valid.
func ParseRecord(s string) (*Record, error) {
	tags, err := tagvalue.ParseList(s, tagvalue.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermError, err)
	}

	if tags.Get("v") != "DMARC1" {
		return nil, fmt.Errorf("%w: missing or wrong v= tag", ErrPermError)
	}
	// v= must appear first syntactically; tagvalue.ParseList does not
	// preserve order, so re-derive it directly from s.
	if !strings.HasPrefix(strings.TrimSpace(s), "v") {
		return nil, fmt.Errorf("%w: v= is not the first tag", ErrPermError)
	}

	rawP, ok := tags["p"]
	if !ok {
		return nil, fmt.Errorf("%w: missing required p= tag", ErrPermError)
	}
	policy, err := parseReceiverPolicy(rawP)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermError, err)
	}

	r := &Record{
		Policy:          policy,
		SubdomainPolicy: policy,
		DKIMAlignment:   AlignRelaxed,
		SPFAlignment:    AlignRelaxed,
		Percent:         100,
	}

	if sp, ok := tags["sp"]; ok {
		if parsed, err := parseReceiverPolicy(sp); err == nil {
			r.SubdomainPolicy = parsed
		}
		// Lenient: an invalid sp= falls back to the already-set
		// default (Policy), rather than failing the whole record.
	}
	if adkim, ok := tags["adkim"]; ok {
		if a := parseAlignment(adkim); a != 0 {
			r.DKIMAlignment = a
		}
	}
	if aspf, ok := tags["aspf"]; ok {
		if a := parseAlignment(aspf); a != 0 {
			r.SPFAlignment = a
		}
	}
	if pct, ok := tags["pct"]; ok {
		if n, err := strconv.Atoi(pct); err == nil && n >= 0 && n <= 100 {
			r.Percent = n
		}
	}
	r.ReportURIAggregate = tags.Get("rua")
	r.ReportURIFailure = tags.Get("ruf")

	return r, nil
}

func parseReceiverPolicy(s string) (ReceiverPolicy, error) {
	switch s {
	case "none":
		return PolicyNone, nil
	case "quarantine":
		return PolicyQuarantine, nil
	case "reject":
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidPolicy, s)
	}
}

func parseAlignment(s string) Alignment {
	switch s {
	case "r":
		return AlignRelaxed
	case "s":
		return AlignStrict
	default:
		return 0
	}
}

// OrgDomainFunc resolves the Organizational Domain of a fully
// qualified domain name. The Public Suffix data behind it is the
// caller's concern; this package only consumes the lookup.
// The boolean reports whether a resolution was possible at all,
// matching golang.org/x/net/publicsuffix.EffectiveTLDPlusOne
// semantics adapted to a non-erroring form.
type OrgDomainFunc func(fqdn string) (orgDomain string, ok bool)

// FetchResult is everything FetchRecord learned about where a DMARC
// record was (or wasn't) found. PolicyDomain lets callers later decide
// between Policy and SubdomainPolicy without recomputing the
// Organizational Domain.
type FetchResult struct {
	// PolicyDomain is the domain the record was actually discovered at
	// (authorDomain itself, or its Organizational Domain).
	PolicyDomain string
	Record       *Record
	// Status classifies how the lookup ended when Record is nil.
	Status resolver.Status
	Err    error
}

// FetchRecord discovers the DMARC policy record governing
// authorDomain: it queries _dmarc.<authorDomain> first, and on
// NODATA/NXDOMAIN falls back to _dmarc.<Organizational Domain>, per
// RFC 7489 section 6.6.3.
func FetchRecord(ctx context.Context, res resolver.Resolver, orgDomain OrgDomainFunc, authorDomain string) FetchResult {
	rec, status, err := lookupAt(ctx, res, authorDomain)
	if err != nil {
		return FetchResult{PolicyDomain: authorDomain, Status: status, Err: err}
	}
	if rec != nil {
		return FetchResult{PolicyDomain: authorDomain, Record: rec, Status: resolver.NOERROR}
	}
	if status != resolver.NODATA && status != resolver.NXDOMAIN {
		// Any other status without a record is reported as NODATA, with
		// no fallback. lookupAt itself reports a name whose TXT records
		// hold no v=DMARC1 record as NODATA, which does fall back below.
		return FetchResult{PolicyDomain: authorDomain, Status: resolver.NODATA}
	}

	// Without an Organizational Domain resolver there is no fallback.
	if orgDomain == nil {
		return FetchResult{PolicyDomain: authorDomain, Status: status}
	}
	org, ok := orgDomain(authorDomain)
	if !ok || strings.EqualFold(org, authorDomain) {
		return FetchResult{PolicyDomain: authorDomain, Status: status}
	}

	rec, status, err = lookupAt(ctx, res, org)
	if err != nil {
		return FetchResult{PolicyDomain: org, Status: status, Err: err}
	}
	return FetchResult{PolicyDomain: org, Record: rec, Status: status}
}

// lookupAt performs one _dmarc TXT lookup and record-selection pass.
// It returns a nil record with a non-error status when there is no
// usable record at this name (caller decides whether to fall back).
func lookupAt(ctx context.Context, res resolver.Resolver, domain string) (*Record, resolver.Status, error) {
	ans, err := res.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return nil, resolver.SYSERROR, err
	}
	switch ans.Status {
	case resolver.NOERROR:
		// fall through to record selection below.
	case resolver.NODATA, resolver.NXDOMAIN:
		return nil, ans.Status, nil
	default:
		return nil, ans.Status, fmt.Errorf("dmarc: DNS error looking up %s: %v", domain, ans.Status)
	}

	var candidates []string
	for _, txt := range ans.Records {
		if strings.HasPrefix(txt, "v=DMARC1") {
			candidates = append(candidates, txt)
		}
	}
	switch len(candidates) {
	case 0:
		return nil, resolver.NODATA, nil
	case 1:
		rec, err := ParseRecord(candidates[0])
		if err != nil {
			return nil, resolver.NOERROR, err
		}
		return rec, resolver.NOERROR, nil
	default:
		return nil, resolver.NOERROR, fmt.Errorf("%w: multiple DMARC records at _dmarc.%s", ErrPermError, domain)
	}
}

// EffectivePolicy selects between Policy and SubdomainPolicy depending
// on whether authorDomain is exactly the domain the record was found
// at (the "organizational domain itself") or a strict subdomain of it.
func (r *Record) EffectivePolicy(policyDomain, authorDomain string) ReceiverPolicy {
	if strings.EqualFold(policyDomain, authorDomain) {
		return r.Policy
	}
	if r.SubdomainPolicy != "" {
		return r.SubdomainPolicy
	}
	return r.Policy
}
