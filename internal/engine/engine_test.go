package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net"
	"strings"
	"testing"

	"blitiri.com.ar/go/authd/internal/dkim"
	"blitiri.com.ar/go/authd/internal/dmarc"
	"blitiri.com.ar/go/authd/internal/resolver"
	"blitiri.com.ar/go/authd/internal/spf"
)

// testOrgDomain resolves the Organizational Domain as the last two
// labels, which is accurate for all the .com/.org names used below and
// keeps these tests independent of the public suffix list data.
func testOrgDomain(fqdn string) (string, bool) {
	labels := strings.Split(fqdn, ".")
	if len(labels) <= 2 {
		return fqdn, true
	}
	return strings.Join(labels[len(labels)-2:], "."), true
}

func newTestEngine(mock *resolver.Mock) *Engine {
	policy := NewPolicyBuilder("mta.example.org").Build()
	return New(mock, policy, testOrgDomain)
}

func TestSPFPass(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("example.com", "TXT", "v=spf1 ip4:192.0.2.0/24 -all")

	eng := newTestEngine(mock)
	ev := eng.NewEvaluation("TestSPFPass")
	ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")

	ctx := context.Background()
	ev.SetMailFrom(ctx, "user@example.com")

	ev.AddHeader("From", "user@example.com", true)
	ev.AddHeader("Subject", "hello", true)
	ev.Write([]byte("Hi.\r\n"))

	res, err := ev.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.SPF == nil || res.SPF.Result != spf.Pass {
		t.Errorf("SPF = %+v, want pass", res.SPF)
	}

	rendered := res.AuthResults.String()
	if !strings.Contains(rendered, "spf=pass") {
		t.Errorf("rendered header missing spf=pass:\n%s", rendered)
	}
	if !strings.Contains(rendered, "smtp.mailfrom=user@example.com") {
		t.Errorf("rendered header missing smtp.mailfrom:\n%s", rendered)
	}
}

func TestSPFNullMailFromUsesHELO(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("mail.example.com", "TXT", "v=spf1 ip4:192.0.2.0/24 -all")

	eng := newTestEngine(mock)
	ev := eng.NewEvaluation("TestSPFNullMailFrom")
	ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")

	ctx := context.Background()
	ev.SetMailFrom(ctx, "")

	if ev.spfOutcome == nil || ev.spfOutcome.Result != spf.Pass {
		t.Errorf("SPF = %+v, want pass via HELO identity", ev.spfOutcome)
	}
	if ev.spfDomain != "mail.example.com" {
		t.Errorf("spfDomain = %q, want mail.example.com", ev.spfDomain)
	}
}

// signTestMessage signs message with a fresh Ed25519 key and returns the
// DKIM-Signature header value plus the public key record to publish.
func signTestMessage(t *testing.T, domain, selector, message string) (string, string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	signer := &dkim.Signer{Domain: domain, Selector: selector, Signer: priv}
	sigValue, err := signer.Sign(context.Background(), message)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	record := "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub)
	return sigValue, record
}

func TestDMARCPassViaDKIMAlignment(t *testing.T) {
	const message = "From: user@example.com\r\n" +
		"To: dest@example.net\r\n" +
		"Subject: dinner\r\n" +
		"Date: Sat, 01 Aug 2026 10:00:00 +0000\r\n" +
		"\r\n" +
		"Are you hungry yet?\r\n"

	sigValue, keyRecord := signTestMessage(t, "mail.example.com", "sel", message)

	mock := resolver.NewMock()
	mock.Add("sel._domainkey.mail.example.com", "TXT", keyRecord)
	mock.Add("_dmarc.example.com", "TXT", "v=DMARC1; p=reject; adkim=r")

	eng := newTestEngine(mock)
	ev := eng.NewEvaluation("TestDMARCPass")
	ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")

	ctx := context.Background()
	ev.SetMailFrom(ctx, "user@example.com")

	ev.AddHeader("DKIM-Signature", strings.ReplaceAll(sigValue, "\r\n", "\r\n\t"), true)
	ev.AddHeader("From", "user@example.com", true)
	ev.AddHeader("To", "dest@example.net", true)
	ev.AddHeader("Subject", "dinner", true)
	ev.AddHeader("Date", "Sat, 01 Aug 2026 10:00:00 +0000", true)
	ev.Write([]byte("Are you hungry yet?\r\n"))

	res, err := ev.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if res.DKIM.Valid != 1 {
		t.Fatalf("DKIM: %d valid signatures, want 1: %+v", res.DKIM.Valid, res.DKIM.Results)
	}
	if len(res.Authors) != 1 {
		t.Fatalf("got %d authors, want 1", len(res.Authors))
	}
	dm := res.Authors[0].DMARC
	if dm.Result != dmarc.ResultPass || !dm.DKIMAligned {
		t.Errorf("DMARC = %+v, want pass via DKIM alignment", dm)
	}

	rendered := res.AuthResults.String()
	for _, want := range []string{"dkim=pass", "dmarc=pass", "header.d=mail.example.com"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered header missing %q:\n%s", want, rendered)
		}
	}
}

func TestDKIMRevokedKeyIsNeutral(t *testing.T) {
	const message = "From: user@example.com\r\n" +
		"Subject: x\r\n" +
		"\r\n" +
		"Body.\r\n"

	sigValue, _ := signTestMessage(t, "mail.example.com", "sel", message)

	mock := resolver.NewMock()
	// The published key record is valid tag-value syntax but revoked.
	mock.Add("sel._domainkey.mail.example.com", "TXT", "v=DKIM1; k=ed25519; p=")

	eng := newTestEngine(mock)
	ev := eng.NewEvaluation("TestDKIMRevoked")
	ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")

	ctx := context.Background()
	ev.SetMailFrom(ctx, "user@example.com")

	ev.AddHeader("DKIM-Signature", strings.ReplaceAll(sigValue, "\r\n", "\r\n\t"), true)
	ev.AddHeader("From", "user@example.com", true)
	ev.AddHeader("Subject", "x", true)
	ev.Write([]byte("Body.\r\n"))

	res, err := ev.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.DKIM.Valid != 0 {
		t.Fatalf("DKIM: %d valid signatures, want 0", res.DKIM.Valid)
	}

	rendered := res.AuthResults.String()
	if !strings.Contains(rendered, "dkim=neutral") {
		t.Errorf("revoked key must render dkim=neutral:\n%s", rendered)
	}
	if strings.Contains(rendered, "dkim=fail") {
		t.Errorf("revoked key must not render dkim=fail:\n%s", rendered)
	}
}

func TestADSPDiscard(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("_adsp._domainkey.example.com", "TXT", "dkim=discardable")

	eng := newTestEngine(mock)
	ev := eng.NewEvaluation("TestADSPDiscard")
	ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")

	ctx := context.Background()
	ev.SetMailFrom(ctx, "user@example.com")

	ev.AddHeader("From", "user@example.com", true)
	ev.Write([]byte("No signature here.\r\n"))

	res, err := ev.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(res.Authors) != 1 || res.Authors[0].ADSP != dmarc.ADSPDiscard {
		t.Fatalf("got %+v, want ADSP discard", res.Authors)
	}
	if !strings.Contains(res.AuthResults.String(), "dkim-adsp=discard") {
		t.Errorf("rendered header missing dkim-adsp=discard:\n%s", res.AuthResults)
	}
}

func TestBadDMARCRecordIsPermError(t *testing.T) {
	cases := []struct {
		name string
		txts []string
	}{
		{"invalid p", []string{"v=DMARC1; p=bogus"}},
		{"multiple records", []string{"v=DMARC1; p=none", "v=DMARC1; p=reject"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			mock := resolver.NewMock()
			for _, txt := range c.txts {
				mock.Add("_dmarc.example.com", "TXT", txt)
			}

			eng := newTestEngine(mock)
			ev := eng.NewEvaluation("TestBadDMARCRecord")
			ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")

			ctx := context.Background()
			ev.SetMailFrom(ctx, "user@example.com")

			ev.AddHeader("From", "user@example.com", true)
			ev.Write([]byte("Body.\r\n"))

			res, err := ev.Finish(ctx)
			if err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if len(res.Authors) != 1 {
				t.Fatalf("got %d authors, want 1", len(res.Authors))
			}
			if got := res.Authors[0].DMARC.Result; got != dmarc.ResultPermError {
				t.Errorf("DMARC result = %v, want permerror", got)
			}
			if !strings.Contains(res.AuthResults.String(), "dmarc=permerror") {
				t.Errorf("rendered header missing dmarc=permerror:\n%s", res.AuthResults)
			}
		})
	}
}

func TestMultipleFromIsDMARCPermError(t *testing.T) {
	mock := resolver.NewMock()
	eng := newTestEngine(mock)
	ev := eng.NewEvaluation("TestMultipleFrom")
	ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")

	ctx := context.Background()
	ev.SetMailFrom(ctx, "user@example.com")

	ev.AddHeader("From", "user@example.com", true)
	ev.AddHeader("From", "other@example.net", true)
	ev.Write([]byte("Body.\r\n"))

	res, err := ev.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(res.Authors) != 0 {
		t.Errorf("got %d authors, want none", len(res.Authors))
	}
	if !strings.Contains(res.AuthResults.String(), "dmarc=permerror") {
		t.Errorf("rendered header missing dmarc=permerror:\n%s", res.AuthResults)
	}
}

func TestStripExistingAuthResults(t *testing.T) {
	policy := NewPolicyBuilder("mta.example.org").
		WithTrustedAuthServIDs("MX2.example.org").
		Build()
	eng := New(resolver.NewMock(), policy, testOrgDomain)

	values := []string{
		"mta.example.org; spf=pass",
		"mx2.example.org; dkim=pass",
		"untrusted.example; spf=pass",
		"mta.example.org; dkim=pass", // past the first foreign hop: kept
	}
	got := eng.StripExistingAuthResults(values)
	if len(got) != 2 || got[0] != "untrusted.example; spf=pass" {
		t.Fatalf("got %v", got)
	}
}

func TestStripSurvivesRoundTrip(t *testing.T) {
	// Whatever we render under our own authserv-id must be recognised,
	// and stripped, by a subsequent pass over the same values.
	mock := resolver.NewMock()
	mock.Add("example.com", "TXT", "v=spf1 ip4:192.0.2.0/24 -all")

	eng := newTestEngine(mock)
	ev := eng.NewEvaluation("TestStripRoundTrip")
	ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")
	ctx := context.Background()
	ev.SetMailFrom(ctx, "user@example.com")
	ev.AddHeader("From", "user@example.com", true)
	ev.Write([]byte("Hi.\r\n"))

	res, err := ev.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	rendered := res.AuthResults.String()
	got := eng.StripExistingAuthResults([]string{rendered})
	if len(got) != 0 {
		t.Errorf("our own rendered header must be stripped, got %v", got)
	}
}

func TestSenderIDUsesPRA(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("resent.example.org", "TXT", "spf2.0/pra ip4:192.0.2.0/24 -all")

	eng := newTestEngine(mock)
	ev := eng.NewEvaluation("TestSenderIDPRA")
	ev.SetConnection(net.ParseIP("192.0.2.10"), "mail.example.com")

	ctx := context.Background()
	ev.SetMailFrom(ctx, "user@example.com")

	// The Received header between the two Resent-* headers makes
	// Resent-From (not Resent-Sender) the PRA.
	ev.AddHeader("Resent-From", "a@resent.example.org", true)
	ev.AddHeader("Received", "from x by y", true)
	ev.AddHeader("Resent-Sender", "b@other.example.net", true)
	ev.AddHeader("From", "user@example.com", true)
	ev.Write([]byte("Body.\r\n"))

	res, err := ev.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.SenderID == nil || res.SenderID.Result != spf.Pass {
		t.Fatalf("SenderID = %+v, want pass", res.SenderID)
	}
	if res.SenderIDDomain != "resent.example.org" {
		t.Errorf("SenderIDDomain = %q, want resent.example.org", res.SenderIDDomain)
	}
}
