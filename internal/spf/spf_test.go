package spf

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"

	"blitiri.com.ar/go/authd/internal/resolver"
)

var ip1111 = net.ParseIP("192.0.2.1")

func newChecker(mock *resolver.Mock) *Checker {
	return NewChecker(mock)
}

func TestBasic(t *testing.T) {
	cases := []struct {
		txt string
		res Result
	}{
		{"", None},
		{"v=spf1", Neutral},
		{"v=spf1 -", PermError},
		{"v=spf1 all", Pass},
		{"v=spf1  +all", Pass},
		{"v=spf1 -all", Fail},
		{"v=spf1 ~all", SoftFail},
		{"v=spf1 ?all", Neutral},
		{"v=spf1 ip4:192.0.2.1 -all", Pass},
		{"v=spf1 ip4:192.0.2.0/24 -all", Pass},
		{"v=spf1 ip4:198.51.100.0/24 -all", Fail},
		{"v=spf1 ip6:12 ~all", PermError},
		{"v=spf1 bogus", PermError},
	}

	for _, c := range cases {
		mock := resolver.NewMock()
		mock.Add("domain", "TXT", c.txt)
		checker := newChecker(mock)
		out := checker.CheckHost(context.Background(), ip1111, "domain", "sender@example.com")
		if out.Result != c.res {
			t.Errorf("%q: expected %q, got %q", c.txt, c.res, out.Result)
		}
	}
}

func TestNoRecord(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("other", "TXT", "loco")
	checker := newChecker(mock)

	for _, domain := range []string{"d1", "other", "nospf"} {
		out := checker.CheckHost(context.Background(), ip1111, domain, "s@e.com")
		if out.Result != None {
			t.Errorf("%s: expected none, got %v", domain, out.Result)
		}
	}
}

func TestNXDOMAIN(t *testing.T) {
	mock := resolver.NewMock()
	mock.SetError("gone", "TXT", resolver.NXDOMAIN)
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "gone", "s@e.com")
	if out.Result != None {
		t.Errorf("expected none, got %v", out.Result)
	}
}

func TestServfail(t *testing.T) {
	mock := resolver.NewMock()
	mock.SetError("broken", "TXT", resolver.SERVFAIL)
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "broken", "s@e.com")
	if out.Result != TempError {
		t.Errorf("expected temperror, got %v", out.Result)
	}
}

func TestIncludeLoop(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT", "v=spf1 include:domain ~all")
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "domain", "s@e.com")
	if out.Result != PermError {
		t.Errorf("expected permerror, got %v", out.Result)
	}
}

func TestDNSBudgetExceeded(t *testing.T) {
	mock := resolver.NewMock()
	// 11 nested includes, each consuming one lookup; the 11th exceeds the
	// 10-lookup budget and must yield permerror rather than a crash or an
	// infinite loop.
	for i := 0; i < 11; i++ {
		next := fmt.Sprintf("d%d", i+1)
		mock.Add(fmt.Sprintf("d%d", i), "TXT", "v=spf1 include:"+next+" -all")
	}
	mock.Add("d11", "TXT", "v=spf1 -all")
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "d0", "s@e.com")
	if out.Result != PermError {
		t.Errorf("expected permerror, got %v", out.Result)
	}
}

func TestVoidLookupBudget(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT",
		"v=spf1 exists:v1.domain exists:v2.domain exists:v3.domain -all")
	// v1.domain, v2.domain, v3.domain all NXDOMAIN: three void lookups
	// exceeds the default budget of 2.
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "domain", "s@e.com")
	if out.Result != PermError {
		t.Errorf("expected permerror from void-lookup budget, got %v", out.Result)
	}
}

func TestRedirect(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT", "v=spf1 redirect=other")
	mock.Add("other", "TXT", "v=spf1 -all")
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "domain", "s@e.com")
	if out.Result != Fail {
		t.Errorf("expected fail via redirect, got %v", out.Result)
	}
}

func TestRedirectToNoneIsPermError(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT", "v=spf1 redirect=nothing")
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "domain", "s@e.com")
	if out.Result != PermError {
		t.Errorf("expected permerror, got %v", out.Result)
	}
}

func TestAMechanism(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT", "v=spf1 a -all")
	mock.Add("domain", "A", "192.0.2.1")
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "domain", "s@e.com")
	if out.Result != Pass {
		t.Errorf("expected pass, got %v", out.Result)
	}
}

func TestMXMechanism(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT", "v=spf1 mx -all")
	mock.Add("domain", "MX", "mail.domain")
	mock.Add("mail.domain", "A", "192.0.2.1")
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "domain", "s@e.com")
	if out.Result != Pass {
		t.Errorf("expected pass, got %v", out.Result)
	}
}

func TestMacroExpansion(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT", "v=spf1 exists:%{l1}.%{d} -all")
	mock.Add("user.domain", "A", "192.0.2.9")
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "domain", "user@sender.example")
	if out.Result != Pass {
		t.Errorf("expected pass via macro exists, got %v", out.Result)
	}
}

func TestExplanation(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT", "v=spf1 -all exp=why.domain")
	mock.Add("why.domain", "TXT", "blocked %{i}")
	checker := newChecker(mock)
	out := checker.CheckHost(context.Background(), ip1111, "domain", "s@e.com")
	if out.Result != Fail {
		t.Errorf("expected fail, got %v", out.Result)
	}
	if !strings.Contains(string(out.Explanation), ip1111.String()) {
		t.Errorf("expected explanation to contain ip, got %q", out.Explanation)
	}
}

func TestSenderIDScopeFallback(t *testing.T) {
	mock := resolver.NewMock()
	mock.Add("domain", "TXT", "v=spf1 -all")
	checker := newChecker(mock)
	out := checker.CheckSenderID(context.Background(), ip1111, "domain", "s@e.com", "helo.example", ScopeSPF2PRA)
	if out.Result != Fail {
		t.Errorf("expected fallback to spf1 record, got %v", out.Result)
	}
}

func TestSelectPRA(t *testing.T) {
	cases := []struct {
		name    string
		headers []Header
		wantIdx int
		wantOK  bool
	}{
		{
			name: "plain from",
			headers: []Header{
				{Name: "From", Value: "a@example.com"},
			},
			wantIdx: 0, wantOK: true,
		},
		{
			name: "sender preferred over from",
			headers: []Header{
				{Name: "From", Value: "a@example.com"},
				{Name: "Sender", Value: "b@example.com"},
			},
			wantIdx: 1, wantOK: true,
		},
		{
			name: "multiple from is no selection",
			headers: []Header{
				{Name: "From", Value: "a@example.com"},
				{Name: "From", Value: "b@example.com"},
			},
			wantOK: false,
		},
		{
			name: "resent-sender preferred",
			headers: []Header{
				{Name: "From", Value: "a@example.com"},
				{Name: "Resent-Sender", Value: "c@example.com"},
			},
			wantIdx: 1, wantOK: true,
		},
		{
			name: "received between resent headers prefers resent-from",
			headers: []Header{
				{Name: "Resent-Sender", Value: "c@example.com"},
				{Name: "Received", Value: "from x"},
				{Name: "Resent-From", Value: "d@example.com"},
			},
			wantIdx: 2, wantOK: true,
		},
	}

	for _, c := range cases {
		idx, ok := SelectPRA(c.headers)
		if ok != c.wantOK {
			t.Errorf("%s: ok = %v, want %v", c.name, ok, c.wantOK)
			continue
		}
		if ok && idx != c.wantIdx {
			t.Errorf("%s: idx = %d, want %d", c.name, idx, c.wantIdx)
		}
	}
}
