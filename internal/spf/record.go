package spf

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"blitiri.com.ar/go/authd/internal/resolver"
)

// mechanismKind enumerates the mechanisms of RFC 7208 section 5.
type mechanismKind int

const (
	mAll mechanismKind = iota
	mInclude
	mA
	mMX
	mPTR
	mIP4
	mIP6
	mExists
)

// consumesLookup reports whether evaluating this mechanism counts
// against the 10-lookup DNS budget (RFC 7208 section 4.6.4). "all" and
// "ip4"/"ip6" are free; everything else needs at least one query.
func (k mechanismKind) consumesLookup() bool {
	switch k {
	case mInclude, mA, mMX, mPTR, mExists:
		return true
	default:
		return false
	}
}

func (k mechanismKind) String() string {
	switch k {
	case mAll:
		return "all"
	case mInclude:
		return "include"
	case mA:
		return "a"
	case mMX:
		return "mx"
	case mPTR:
		return "ptr"
	case mIP4:
		return "ip4"
	case mIP6:
		return "ip6"
	case mExists:
		return "exists"
	default:
		return "?"
	}
}

// directive is one [qualifier] mechanism[:domain-spec][/cidr] term.
type directive struct {
	qualifier  byte
	mechanism  mechanismKind
	domainSpec string // raw, macro-unexpanded; empty unless the mechanism takes one
	rawIP      string // raw ip4:/ip6: value, including any /cidr suffix
	cidr4      int    // -1 if unset
	cidr6      int    // -1 if unset
}

func (d directive) String() string {
	return fmt.Sprintf("%c%s", d.qualifier, d.mechanism)
}

func (d directive) result() Result {
	if r, ok := qualToResult[d.qualifier]; ok {
		return r
	}
	return Pass
}

// record is one fully-parsed SPF/Sender-ID TXT record.
type record struct {
	directives []directive
	redirect   string // domain-spec, empty if absent
	exp        string // domain-spec, empty if absent
}

// recordScope classifies the leading "version" production of a TXT
// string per RFC 7208 section 4.5 / RFC 4406 section 3.
type recordScope int

const (
	scopeNone recordScope = iota
	scopeSPF1
	scopeSenderIDMFrom
	scopeSenderIDPRA
	scopeSenderIDOther // recognized spf2.0/ prefix, unrecognized scope-id
)

// classifyRecord inspects the leading version token of txt and reports
// which scope(s) it declares. A spf2.0/ record may declare more than one
// scope-id (comma separated); applies reports whether it applies to the
// scope the caller is evaluating.
func classifyRecord(txt string, want Scope) (applies bool, isSPF1 bool) {
	if txt == "v=spf1" || strings.HasPrefix(txt, "v=spf1 ") {
		return want == ScopeSPF1, true
	}
	if !strings.HasPrefix(txt, "spf2.0/") {
		return false, false
	}
	rest := txt[len("spf2.0/"):]
	sp := strings.IndexByte(rest, ' ')
	var scopeIDs string
	if sp < 0 {
		scopeIDs = rest
	} else {
		scopeIDs = rest[:sp]
	}
	for _, id := range strings.Split(scopeIDs, ",") {
		switch id {
		case "mfrom":
			if want == ScopeSPF2MFrom {
				return true, false
			}
		case "pra":
			if want == ScopeSPF2PRA {
				return true, false
			}
		}
	}
	return false, false
}

// fetchRecord retrieves and selects the TXT record to evaluate for
// domain, per RFC 7208 sections 3 and 4.4-4.5 and the Sender ID scope
// selection of RFC 4406 section 3. ok=true comes with the selected
// record; otherwise the evaluation ends with the returned Result (None
// when no applicable record exists).
func (s *state) fetchRecord(ctx context.Context, domain string) (*string, Result, bool) {
	var txts []string
	var status resolver.Status

	if s.policy.UseSPFType {
		ans, err := s.res.LookupSPF(ctx, domain)
		if err != nil {
			return nil, TempError, false
		}
		switch ans.Status {
		case resolver.NOERROR:
			txts = ans.Records
			status = resolver.NOERROR
		case resolver.NXDOMAIN:
			return nil, s.nxdomainResult(), false
		case resolver.NODATA, resolver.NOVALIDANSWER:
			// fall through to TXT
		default:
			return nil, TempError, false
		}
	}

	if txts == nil {
		ans, err := s.res.LookupTXT(ctx, domain)
		if err != nil {
			return nil, TempError, false
		}
		status = ans.Status
		switch ans.Status {
		case resolver.NXDOMAIN:
			if r, ok := s.countVoid(); !ok {
				return nil, r, false
			}
			return nil, s.nxdomainResult(), false
		case resolver.NODATA, resolver.NOVALIDANSWER:
			if r, ok := s.countVoid(); !ok {
				return nil, r, false
			}
			return nil, None, false
		case resolver.NOERROR:
			txts = ans.Records
		default:
			return nil, TempError, false
		}
	}

	if status == resolver.NOERROR && len(txts) == 0 {
		return nil, None, false
	}

	var matches []string
	sawSPF1 := false
	for _, txt := range txts {
		applies, isSPF1 := classifyRecord(txt, s.scope)
		if isSPF1 {
			sawSPF1 = true
		}
		if applies {
			matches = append(matches, txt)
		}
	}

	if len(matches) == 0 && s.scope.isSenderID() && sawSPF1 {
		// "If the caller asked for SPF2 scopes and only an SPF1 record
		// exists, fall back to SPF1."
		for _, txt := range txts {
			if applies, isSPF1 := classifyRecord(txt, ScopeSPF1); isSPF1 && applies {
				matches = append(matches, txt)
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, None, false
	case 1:
		return &matches[0], "", true
	default:
		return nil, PermError, false
	}
}

func (s *state) nxdomainResult() Result {
	if s.scope.isSenderID() {
		return Fail
	}
	return None
}

// parseRecord splits txt on single spaces and classifies each term as a
// directive or a modifier, per RFC 7208 section 12's ABNF.
func parseRecord(txt string) (*record, error) {
	fields := strings.Split(txt, " ")
	rec := &record{}
	sawRedirect, sawExp := false, false

	for _, field := range fields {
		if field == "" {
			continue
		}
		if strings.HasPrefix(field, "v=spf1") || strings.HasPrefix(field, "spf2.0/") {
			continue
		}

		if name, value, isMod := splitModifier(field); isMod {
			switch name {
			case "redirect":
				if sawRedirect {
					return nil, fmt.Errorf("duplicate redirect=")
				}
				sawRedirect = true
				rec.redirect = value
			case "exp":
				if sawExp {
					return nil, fmt.Errorf("duplicate exp=")
				}
				sawExp = true
				rec.exp = value
			default:
				// unrecognised modifiers are ignored
			}
			continue
		}

		d, err := parseDirective(field)
		if err != nil {
			return nil, err
		}
		rec.directives = append(rec.directives, d)
	}
	return rec, nil
}

// splitModifier reports whether field is "name=value" with no leading
// qualifier character, per the distinguishing rule in RFC 7208 section
// 12: qualifiers only precede mechanisms, never modifiers.
func splitModifier(field string) (name, value string, ok bool) {
	eq := strings.IndexByte(field, '=')
	if eq <= 0 {
		return "", "", false
	}
	name = field[:eq]
	for _, c := range name {
		if !(c == '-' || c == '_' || c == '.' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return "", "", false
		}
	}
	return name, field[eq+1:], true
}

func parseDirective(field string) (directive, error) {
	qualifier := byte('+')
	if _, ok := qualToResult[field[0]]; ok {
		qualifier = field[0]
		field = field[1:]
	}
	if field == "" {
		return directive{}, fmt.Errorf("empty mechanism")
	}

	name, rest := splitMechanismName(field)
	d := directive{qualifier: qualifier, cidr4: -1, cidr6: -1}

	switch name {
	case "all":
		d.mechanism = mAll
		if rest != "" {
			return directive{}, fmt.Errorf("'all' takes no argument")
		}
	case "include":
		d.mechanism = mInclude
		spec, err := requireColonArg(rest)
		if err != nil {
			return directive{}, err
		}
		d.domainSpec = spec
	case "a":
		d.mechanism = mA
		if err := parseDomainCIDR(rest, &d); err != nil {
			return directive{}, err
		}
	case "mx":
		d.mechanism = mMX
		if err := parseDomainCIDR(rest, &d); err != nil {
			return directive{}, err
		}
	case "ptr":
		d.mechanism = mPTR
		if rest != "" {
			spec, err := requireColonArg(rest)
			if err != nil {
				return directive{}, err
			}
			d.domainSpec = spec
		}
	case "ip4":
		d.mechanism = mIP4
		spec, err := requireColonArg(rest)
		if err != nil {
			return directive{}, err
		}
		d.rawIP = spec
	case "ip6":
		d.mechanism = mIP6
		spec, err := requireColonArg(rest)
		if err != nil {
			return directive{}, err
		}
		d.rawIP = spec
	case "exists":
		d.mechanism = mExists
		spec, err := requireColonArg(rest)
		if err != nil {
			return directive{}, err
		}
		d.domainSpec = spec
	default:
		return directive{}, fmt.Errorf("unknown mechanism %q", name)
	}
	return d, nil
}

// splitMechanismName splits "name:rest" / "name/rest" / "name" into the
// bare name and everything from the first ':' or '/' onward.
func splitMechanismName(field string) (name, rest string) {
	idx := strings.IndexAny(field, ":/")
	if idx < 0 {
		return field, ""
	}
	return field[:idx], field[idx:]
}

func requireColonArg(rest string) (string, error) {
	if !strings.HasPrefix(rest, ":") {
		return "", fmt.Errorf("expected ':' argument, got %q", rest)
	}
	return rest[1:], nil
}

// parseDomainCIDR parses the optional [:domain-spec][/cidr4[/cidr6]]
// suffix shared by "a" and "mx", per RFC 7208 section 5.3/5.4's ABNF.
func parseDomainCIDR(rest string, d *directive) error {
	if rest == "" {
		return nil
	}
	if rest[0] == ':' {
		rest = rest[1:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			d.domainSpec = rest
			return nil
		}
		d.domainSpec = rest[:slash]
		rest = rest[slash:]
	}
	if rest == "" {
		return nil
	}
	if rest[0] != '/' {
		return fmt.Errorf("malformed cidr suffix %q", rest)
	}
	parts := strings.Split(rest[1:], "/")
	if len(parts) > 2 {
		return fmt.Errorf("malformed cidr suffix %q", rest)
	}
	c4, err := strconv.Atoi(parts[0])
	if err != nil || c4 < 1 || c4 > 32 {
		return fmt.Errorf("invalid ip4 cidr %q", parts[0])
	}
	d.cidr4 = c4
	if len(parts) == 2 {
		c6, err := strconv.Atoi(parts[1])
		if err != nil || c6 < 1 || c6 > 128 {
			return fmt.Errorf("invalid ip6 cidr %q", parts[1])
		}
		d.cidr6 = c6
	}
	return nil
}
