package dmarc

import (
	"context"
	"testing"

	"blitiri.com.ar/go/authd/internal/resolver"
)

func TestParseRecord(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
		want    *Record
	}{
		{
			name: "minimal",
			in:   "v=DMARC1; p=none",
			want: &Record{Policy: PolicyNone, SubdomainPolicy: PolicyNone, DKIMAlignment: AlignRelaxed, SPFAlignment: AlignRelaxed, Percent: 100},
		},
		{
			name: "full",
			in:   "v=DMARC1; p=reject; sp=quarantine; adkim=s; aspf=s; pct=50",
			want: &Record{Policy: PolicyReject, SubdomainPolicy: PolicyQuarantine, DKIMAlignment: AlignStrict, SPFAlignment: AlignStrict, Percent: 50},
		},
		{
			name:    "missing v",
			in:      "p=none",
			wantErr: true,
		},
		{
			name:    "wrong v",
			in:      "v=DMARC2; p=none",
			wantErr: true,
		},
		{
			name:    "v not first",
			in:      "p=none; v=DMARC1",
			wantErr: true,
		},
		{
			name:    "missing p",
			in:      "v=DMARC1",
			wantErr: true,
		},
		{
			name:    "invalid p",
			in:      "v=DMARC1; p=bogus",
			wantErr: true,
		},
		{
			name: "invalid sp falls back to p",
			in:   "v=DMARC1; p=reject; sp=bogus",
			want: &Record{Policy: PolicyReject, SubdomainPolicy: PolicyReject, DKIMAlignment: AlignRelaxed, SPFAlignment: AlignRelaxed, Percent: 100},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseRecord(c.in)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got record %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *got != *c.want {
				t.Errorf("got %+v, want %+v", got, c.want)
			}
		})
	}
}

func orgDomainSuffix2(fqdn string) (string, bool) {
	// Toy two-label Organizational Domain resolver for tests: the last
	// two dot-separated labels.
	parts := splitLast(fqdn, 2)
	if parts == fqdn {
		return fqdn, true
	}
	return parts, true
}

func splitLast(s string, n int) string {
	count := 0
	idx := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			count++
			if count == n {
				idx = i + 1
				break
			}
		}
	}
	return s[idx:]
}

func TestFetchRecordOrgDomainFallback(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("_dmarc.example.com", "TXT", "v=DMARC1; p=reject")

	res := FetchRecord(context.Background(), mock, orgDomainSuffix2, "sub.example.com")
	if res.Record == nil {
		t.Fatalf("expected fallback record, got nil (status %v, err %v)", res.Status, res.Err)
	}
	if res.PolicyDomain != "example.com" {
		t.Errorf("PolicyDomain = %q, want example.com", res.PolicyDomain)
	}
	if res.Record.Policy != PolicyReject {
		t.Errorf("Policy = %q, want reject", res.Record.Policy)
	}
}

func TestFetchRecordDirectHit(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("_dmarc.example.com", "TXT", "v=DMARC1; p=quarantine")

	res := FetchRecord(context.Background(), mock, orgDomainSuffix2, "example.com")
	if res.Record == nil || res.Record.Policy != PolicyQuarantine {
		t.Fatalf("got %+v", res)
	}
	if res.PolicyDomain != "example.com" {
		t.Errorf("PolicyDomain = %q, want example.com", res.PolicyDomain)
	}
}

func TestFetchRecordNone(t *testing.T) {
	mock := resolver.NewMock()
	res := FetchRecord(context.Background(), mock, orgDomainSuffix2, "example.com")
	if res.Record != nil {
		t.Fatalf("expected no record, got %+v", res.Record)
	}
}

func TestFetchRecordMultipleIsPermError(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("_dmarc.example.com", "TXT", "v=DMARC1; p=none")
	mock.Add("_dmarc.example.com", "TXT", "v=DMARC1; p=reject")

	res := FetchRecord(context.Background(), mock, orgDomainSuffix2, "example.com")
	if res.Err == nil {
		t.Fatalf("expected error for multiple records, got %+v", res)
	}
}

func TestEffectivePolicy(t *testing.T) {
	rec := &Record{Policy: PolicyReject, SubdomainPolicy: PolicyNone}
	if got := rec.EffectivePolicy("example.com", "example.com"); got != PolicyReject {
		t.Errorf("own domain: got %q, want reject", got)
	}
	if got := rec.EffectivePolicy("example.com", "sub.example.com"); got != PolicyNone {
		t.Errorf("subdomain: got %q, want none", got)
	}
}
