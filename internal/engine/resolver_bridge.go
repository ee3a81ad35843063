package engine

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/publicsuffix"

	"blitiri.com.ar/go/authd/internal/resolver"
)

// dkimLookupTXT adapts a resolver.Resolver to the narrower
// func(ctx, domain) ([]string, error) shape internal/dkim consumes via
// dkim.WithLookupTXTFunc, translating resolver.Status into the
// *net.DNSError shape dkim's error handling already switches on
// (dnsErr.Temporary() distinguishes TEMPFAIL from PERMFAIL).
func dkimLookupTXT(res resolver.Resolver) func(ctx context.Context, domain string) ([]string, error) {
	return func(ctx context.Context, domain string) ([]string, error) {
		ans, err := res.LookupTXT(ctx, domain)
		if err != nil {
			return nil, &net.DNSError{
				Err:         fmt.Sprintf("resolver error: %v", err),
				Name:        domain,
				IsTemporary: ans.Status.Temporary(),
			}
		}
		switch ans.Status {
		case resolver.NOERROR:
			return ans.Records, nil
		case resolver.NXDOMAIN:
			return nil, &net.DNSError{Err: "no such host", Name: domain, IsNotFound: true}
		default:
			// NODATA and the remaining DNS-error statuses: dkim only
			// distinguishes "temporary" from everything else, so fold
			// NODATA in with the non-temporary case (no key published).
			return nil, &net.DNSError{
				Err:         ans.Status.String(),
				Name:        domain,
				IsTemporary: ans.Status.Temporary(),
			}
		}
	}
}

// DefaultOrgDomain resolves the Organizational Domain via
// golang.org/x/net/publicsuffix.EffectiveTLDPlusOne, using its
// compiled-in copy of the Public Suffix List.
func DefaultOrgDomain(fqdn string) (string, bool) {
	org, err := publicsuffix.EffectiveTLDPlusOne(fqdn)
	if err != nil {
		return "", false
	}
	return org, true
}
