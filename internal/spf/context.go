package spf

import (
	"context"
	"net"

	"blitiri.com.ar/go/authd/internal/resolver"
)

// state carries the per-evaluation counters and loop-detection stack for
// one top-level Check call, including everything it recurses into via
// include/redirect. It is explicit, mutable, and owned by the single
// goroutine driving the evaluation; nothing here is package-level, so
// evaluations on different goroutines never share anything.
type state struct {
	res resolver.Resolver

	ip     net.IP
	sender string
	helo   string
	scope  Scope

	policy Policy

	dnsLookups   int
	voidLookups  int
	includeDepth int
	stack        []string // domains currently being checked, for loop detection

	trace TraceFunc
}

// TraceFunc receives human-readable evaluation steps, mirroring the shape
// of internal/dkim's TraceFunc so both packages can be wired into the
// same internal/trace.Trace sink.
type TraceFunc func(format string, args ...interface{})

func (s *state) tracef(format string, args ...interface{}) {
	if s.trace != nil {
		s.trace(format, args...)
	}
}

// countLookup accounts for one DNS-budget-consuming lookup (include, a,
// mx, ptr, exists, redirect all count; RFC 7208 section 4.6.4). Returns
// PermError when the budget is exhausted.
func (s *state) countLookup() (Result, bool) {
	s.dnsLookups++
	if s.dnsLookups > s.policy.MaxDNSLookups {
		return PermError, false
	}
	return "", true
}

// countVoid accounts for one NODATA/NXDOMAIN answer (RFC 7208 section
// 4.6.4's "void lookup" budget, separate from the main DNS budget since
// it catches a different abuse pattern: many cheap non-existent names
// rather than many expensive nested includes).
func (s *state) countVoid() (Result, bool) {
	s.voidLookups++
	if s.voidLookups > s.policy.MaxVoidLookups {
		return PermError, false
	}
	return "", true
}

func (s *state) pushDomain(domain string) (Result, bool) {
	lower := asciiLower(domain)
	for _, d := range s.stack {
		if d == lower {
			return PermError, false
		}
	}
	s.stack = append(s.stack, lower)
	return "", true
}

func (s *state) popDomain() {
	s.stack = s.stack[:len(s.stack)-1]
}

type contextKey string

const resolverKey contextKey = "spf-resolver"

// WithResolver attaches a resolver.Resolver to ctx, overriding the one
// Check would otherwise use. Intended for tests.
func WithResolver(ctx context.Context, r resolver.Resolver) context.Context {
	return context.WithValue(ctx, resolverKey, r)
}

func resolverFromContext(ctx context.Context, fallback resolver.Resolver) resolver.Resolver {
	if r, ok := ctx.Value(resolverKey).(resolver.Resolver); ok {
		return r
	}
	return fallback
}
