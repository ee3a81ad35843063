package dmarc

import "testing"

func org(fqdn string) (string, bool) {
	return splitLast(fqdn, 2), true
}

func TestEvaluateDKIMAlignmentRelaxed(t *testing.T) {
	rec := &Record{DKIMAlignment: AlignRelaxed, SPFAlignment: AlignRelaxed}
	dkim := []DKIMIdentity{{Domain: "mail.example.com", Pass: true}}

	out := Evaluate("example.com", rec, nil, dkim, org)
	if out.Result != ResultPass || !out.DKIMAligned {
		t.Fatalf("got %+v", out)
	}
}

func TestEvaluateDKIMAlignmentStrictRejectsSubdomain(t *testing.T) {
	rec := &Record{DKIMAlignment: AlignStrict, SPFAlignment: AlignStrict}
	dkim := []DKIMIdentity{{Domain: "mail.example.com", Pass: true}}

	out := Evaluate("example.com", rec, nil, dkim, org)
	if out.Result != ResultFail {
		t.Fatalf("got %+v, want fail (strict alignment must not match a subdomain)", out)
	}
}

func TestEvaluateSPFAlignmentPass(t *testing.T) {
	rec := &Record{DKIMAlignment: AlignRelaxed, SPFAlignment: AlignRelaxed}
	spf := &SPFIdentity{Domain: "example.com", Pass: true}

	out := Evaluate("example.com", rec, spf, nil, org)
	if out.Result != ResultPass || !out.SPFAligned {
		t.Fatalf("got %+v", out)
	}
}

func TestEvaluateNoAlignment(t *testing.T) {
	rec := &Record{DKIMAlignment: AlignRelaxed, SPFAlignment: AlignRelaxed}
	spf := &SPFIdentity{Domain: "unrelated.net", Pass: true}
	dkim := []DKIMIdentity{{Domain: "other.net", Pass: true}}

	out := Evaluate("example.com", rec, spf, dkim, org)
	if out.Result != ResultFail {
		t.Fatalf("got %+v", out)
	}
}

func TestEvaluateAlignedButTempErrorIsTempError(t *testing.T) {
	rec := &Record{DKIMAlignment: AlignRelaxed, SPFAlignment: AlignRelaxed}
	dkim := []DKIMIdentity{{Domain: "example.com", TempError: true}}

	out := Evaluate("example.com", rec, nil, dkim, org)
	if out.Result != ResultTempError {
		t.Fatalf("got %+v", out)
	}
}

func TestEvaluateOrgDomainSharingAlignsSiblingSubdomains(t *testing.T) {
	// a.example.com and b.example.com share an Organizational Domain
	// without either being a suffix of the other; relaxed alignment
	// must still match via the Organizational Domain, not a bare
	// suffix test.
	rec := &Record{DKIMAlignment: AlignRelaxed, SPFAlignment: AlignRelaxed}
	dkim := []DKIMIdentity{{Domain: "b.example.com", Pass: true}}

	out := Evaluate("a.example.com", rec, nil, dkim, org)
	if out.Result != ResultPass {
		t.Fatalf("got %+v, want pass via shared Organizational Domain", out)
	}
}
