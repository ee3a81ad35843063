package dkim

import (
	"context"
	"net"
	"time"
)

type contextKey string

const traceKey contextKey = "trace"

func trace(ctx context.Context, f string, args ...interface{}) {
	traceFunc, ok := ctx.Value(traceKey).(TraceFunc)
	if !ok {
		return
	}
	traceFunc(f, args...)
}

type TraceFunc func(f string, a ...interface{})

func WithTraceFunc(ctx context.Context, trace TraceFunc) context.Context {
	return context.WithValue(ctx, traceKey, trace)
}

const lookupTXTKey contextKey = "lookupTXT"

func lookupTXT(ctx context.Context, domain string) ([]string, error) {
	lookupTXTFunc, ok := ctx.Value(lookupTXTKey).(lookupTXTFunc)
	if !ok {
		return net.LookupTXT(domain)
	}
	return lookupTXTFunc(ctx, domain)
}

type lookupTXTFunc func(ctx context.Context, domain string) ([]string, error)

func WithLookupTXTFunc(ctx context.Context, lookupTXT lookupTXTFunc) context.Context {
	return context.WithValue(ctx, lookupTXTKey, lookupTXT)
}

const maxHeadersKey contextKey = "maxHeaders"

func WithMaxHeaders(ctx context.Context, maxHeaders int) context.Context {
	return context.WithValue(ctx, maxHeadersKey, maxHeaders)
}

func maxHeaders(ctx context.Context) int {
	maxHeaders, ok := ctx.Value(maxHeadersKey).(int)
	if !ok {
		// By default, cap the number of headers to 5 (arbitrarily chosen, may
		// be adjusted in the future).
		return 5
	}
	return maxHeaders
}

// timePolicy bundles the expiration-related knobs: whether to reject
// expired (x= in the past) or future-dated (t= too far ahead)
// signatures, and the clock skew tolerance applied to the latter.
type timePolicy struct {
	acceptExpired bool
	acceptFuture  bool
	skew          time.Duration
}

const timePolicyKey contextKey = "timePolicy"

// WithTimePolicy configures how dkimSignatureFromHeader's caller
// treats t=/x= tags relative to the current time. The defaults (both
// false, zero skew) match RFC 6376 section 3.5's strict reading.
func WithTimePolicy(ctx context.Context, acceptExpired, acceptFuture bool, skew time.Duration) context.Context {
	return context.WithValue(ctx, timePolicyKey, timePolicy{acceptExpired, acceptFuture, skew})
}

func timePolicyFromContext(ctx context.Context) timePolicy {
	tp, ok := ctx.Value(timePolicyKey).(timePolicy)
	if !ok {
		return timePolicy{}
	}
	return tp
}

const minRSABitsKey contextKey = "minRSABits"

// WithMinRSABits overrides the minimum RSA modulus size (in bits) this
// package accepts for a DKIM public key (default 1024, RFC 8301
// section 3.2).
func WithMinRSABits(ctx context.Context, bits int) context.Context {
	return context.WithValue(ctx, minRSABitsKey, bits)
}

func minRSABits(ctx context.Context) int {
	bits, ok := ctx.Value(minRSABitsKey).(int)
	if !ok || bits == 0 {
		return 1024
	}
	return bits
}

const rfc4871CompatKey contextKey = "rfc4871Compat"

// WithRFC4871CompatMode enables the legacy g= granularity check
// (RFC 4871 section 3.6.1, dropped by RFC 6376) against the AUID
// local-part. Off by default, since RFC 6376 section 3.6.1 says g=
// "SHOULD NOT be used" and most deployments no longer publish it.
func WithRFC4871CompatMode(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, rfc4871CompatKey, enabled)
}

func rfc4871CompatMode(ctx context.Context) bool {
	enabled, _ := ctx.Value(rfc4871CompatKey).(bool)
	return enabled
}
