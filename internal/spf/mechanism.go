package spf

import (
	"context"
	"net"
	"strings"

	"blitiri.com.ar/go/authd/internal/resolver"
)

// evalMechanism evaluates one directive against the current state,
// returning whether it matched, the result to return if so, a short
// description for tracing, and any error encountered (non-fatal errors,
// like a DNS lookup returning NXDOMAIN, are reported as no-match rather
// than propagated).
func (s *state) evalMechanism(ctx context.Context, domain string, d directive) (matched bool, result Result, desc string, err error) {
	switch d.mechanism {
	case mAll:
		return true, d.result(), "all", nil

	case mInclude:
		target, err := s.expand(domain, d.domainSpec)
		if err != nil {
			return true, PermError, "include", err
		}
		s.includeDepth++
		out := s.checkHost(ctx, target)
		s.includeDepth--
		switch out.Result {
		case Pass:
			return true, d.result(), "include:" + target, nil
		case Fail, SoftFail, Neutral:
			return false, "", "", nil
		case TempError:
			return true, TempError, "include:" + target, nil
		case PermError, None:
			return true, PermError, "include:" + target, nil
		default:
			return true, PermError, "include:" + target, nil
		}

	case mA:
		return s.evalA(ctx, domain, d)

	case mMX:
		return s.evalMX(ctx, domain, d)

	case mPTR:
		return s.evalPTR(ctx, domain, d)

	case mIP4, mIP6:
		return s.evalIP(d)

	case mExists:
		target, err := s.expand(domain, d.domainSpec)
		if err != nil {
			return true, PermError, "exists", err
		}
		ans, err := s.res.LookupA(ctx, target)
		if err != nil {
			return true, TempError, "exists", err
		}
		if ans.Status.Temporary() {
			return true, TempError, "exists", nil
		}
		if ans.Status == resolver.NOERROR && len(ans.Records) > 0 {
			return true, d.result(), "exists:" + target, nil
		}
		if isVoid(ans.Status) {
			if r, ok := s.countVoid(); !ok {
				return true, r, "exists", nil
			}
		}
		return false, "", "", nil
	}
	return false, "", "", nil
}

func (s *state) expand(domain, spec string) (string, error) {
	if spec == "" {
		return domain, nil
	}
	return expandMacro(s, domain, spec, false)
}

func (s *state) evalIP(d directive) (bool, Result, string, error) {
	spec := d.rawIP
	var ip net.IP
	var cidr int
	if slash := strings.IndexByte(spec, '/'); slash >= 0 {
		ip = net.ParseIP(spec[:slash])
		var err error
		cidr, err = parseCIDRSuffix(spec[slash+1:])
		if err != nil || ip == nil {
			return true, PermError, "", nil
		}
		max := 128
		if d.mechanism == mIP4 {
			max = 32
		}
		if cidr < 1 || cidr > max {
			return true, PermError, "", nil
		}
	} else {
		ip = net.ParseIP(spec)
		if ip == nil {
			return true, PermError, "", nil
		}
		if d.mechanism == mIP4 {
			cidr = 32
		} else {
			cidr = 128
		}
	}
	if matchCIDR(s.ip, ip, cidr) {
		return true, d.result(), fmtMatch(d.mechanism.String(), spec), nil
	}
	return false, "", "", nil
}

func parseCIDRSuffix(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errInvalidCIDR
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errInvalidCIDR
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

var errInvalidCIDR = &parseError{"invalid cidr length"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

// matchCIDR reports whether ip falls within network/cidr. Families must
// match (a v4 ip never matches an ip6: mechanism and vice versa).
func matchCIDR(ip, network net.IP, cidr int) bool {
	ip4, net4 := ip.To4(), network.To4()
	if (ip4 == nil) != (net4 == nil) {
		return false
	}
	if ip4 != nil {
		mask := net.CIDRMask(cidr, 32)
		return ip4.Mask(mask).Equal(net4.Mask(mask))
	}
	ip6, net6 := ip.To16(), network.To16()
	if ip6 == nil || net6 == nil {
		return false
	}
	mask := net.CIDRMask(cidr, 128)
	return ip6.Mask(mask).Equal(net6.Mask(mask))
}

func (s *state) evalA(ctx context.Context, domain string, d directive) (bool, Result, string, error) {
	target, err := s.expand(domain, d.domainSpec)
	if err != nil {
		return true, PermError, "a", err
	}
	ips, status, err := s.lookupAddrs(ctx, target)
	if err != nil {
		return true, TempError, "a", err
	}
	if status.Temporary() {
		return true, TempError, "a", nil
	}
	if matchAny(s.ip, ips, d.cidr4, d.cidr6) {
		return true, d.result(), fmtMatch("a", target), nil
	}
	if isVoid(status) {
		if r, ok := s.countVoid(); !ok {
			return true, r, "a", nil
		}
	}
	return false, "", "", nil
}

// isVoid reports whether status corresponds to RFC 7208 section 4.6.4's
// "void lookup": an answer with no usable records, as opposed to a
// transient failure (already handled separately) or a real match.
func isVoid(status resolver.Status) bool {
	switch status {
	case resolver.NXDOMAIN, resolver.NODATA, resolver.NOVALIDANSWER:
		return true
	default:
		return false
	}
}

func (s *state) evalMX(ctx context.Context, domain string, d directive) (bool, Result, string, error) {
	target, err := s.expand(domain, d.domainSpec)
	if err != nil {
		return true, PermError, "mx", err
	}
	ans, err := s.res.LookupMX(ctx, target)
	if err != nil {
		return true, TempError, "mx", err
	}
	if ans.Status.Temporary() {
		return true, TempError, "mx", nil
	}
	if isVoid(ans.Status) {
		if r, ok := s.countVoid(); !ok {
			return true, r, "mx", nil
		}
	}
	exchanges := ans.Records
	if len(exchanges) > s.policy.MaxMXTargets {
		exchanges = exchanges[:s.policy.MaxMXTargets]
	}
	for _, mx := range exchanges {
		ips, status, err := s.lookupAddrs(ctx, mx)
		if err != nil {
			return true, TempError, "mx", err
		}
		if status.Temporary() {
			return true, TempError, "mx", nil
		}
		if matchAny(s.ip, ips, d.cidr4, d.cidr6) {
			return true, d.result(), fmtMatch("mx", mx), nil
		}
		if isVoid(status) {
			if r, ok := s.countVoid(); !ok {
				return true, r, "mx", nil
			}
		}
	}
	return false, "", "", nil
}

// evalPTR implements RFC 7208 section 5.5: PTR lookup on the connecting
// IP, forward-confirm each candidate name by A/AAAA lookup, match if its
// address set contains the IP and its name is target or a subdomain of
// it. DNS errors anywhere in this mechanism are non-match, not
// temperror, per the RFC's explicit carve-out.
func (s *state) evalPTR(ctx context.Context, domain string, d directive) (bool, Result, string, error) {
	target, err := s.expand(domain, d.domainSpec)
	if err != nil {
		return true, PermError, "ptr", err
	}
	ans, err := s.res.LookupPTR(ctx, s.ip)
	if err != nil || ans.Status != resolver.NOERROR {
		return false, "", "", nil
	}

	names := ans.Records
	if len(names) > s.policy.MaxPTRTargets {
		names = names[:s.policy.MaxPTRTargets]
	}
	for _, name := range names {
		if !hasSuffixDomain(name, target) {
			continue
		}
		ips, status, err := s.lookupAddrs(ctx, name)
		if err != nil || status != resolver.NOERROR {
			continue
		}
		for _, ip := range ips {
			if ip.Equal(s.ip) {
				return true, d.result(), fmtMatch("ptr", name), nil
			}
		}
	}
	return false, "", "", nil
}

// hasSuffixDomain reports whether name equals suffix or is a subdomain
// of it, case-insensitively.
func hasSuffixDomain(name, suffix string) bool {
	name, suffix = asciiLower(name), asciiLower(suffix)
	name = strings.TrimSuffix(name, ".")
	suffix = strings.TrimSuffix(suffix, ".")
	if name == suffix {
		return true
	}
	return strings.HasSuffix(name, "."+suffix)
}

// lookupAddrs fetches the A records (IPv4 connecting IP) or the AAAA
// records (IPv6 connecting IP) for name, never both (RFC 7208 section 5: "to prevent
// possibly unintentional denial of service, the number of... A/AAAA
// lookups MUST be limited" is handled by the DNS budget, not here).
func (s *state) lookupAddrs(ctx context.Context, name string) ([]net.IP, resolver.Status, error) {
	if s.ip.To4() != nil {
		ans, err := s.res.LookupA(ctx, name)
		if err != nil {
			return nil, resolver.SYSERROR, err
		}
		return ans.Records, ans.Status, nil
	}
	ans, err := s.res.LookupAAAA(ctx, name)
	if err != nil {
		return nil, resolver.SYSERROR, err
	}
	return ans.Records, ans.Status, nil
}

// matchAny reports whether ip matches any candidate under the given
// per-family CIDR prefix lengths (0 or -1 meaning "use the full address
// length", i.e. no mechanism-level cidr suffix was given).
func matchAny(ip net.IP, candidates []net.IP, cidr4, cidr6 int) bool {
	for _, c := range candidates {
		if c.To4() != nil {
			cidr := cidr4
			if cidr <= 0 {
				cidr = 32
			}
			if matchCIDR(ip, c, cidr) {
				return true
			}
			continue
		}
		cidr := cidr6
		if cidr <= 0 {
			cidr = 128
		}
		if matchCIDR(ip, c, cidr) {
			return true
		}
	}
	return false
}
