package resolver

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// MiekgAdapter is a Resolver backed by github.com/miekg/dns, talking to a
// configured set of recursive servers directly rather than going through
// the system resolver. Evaluating SPF/DKIM/DMARC requires distinguishing
// NXDOMAIN from NODATA and surfacing SERVFAIL as such, none of which
// net.Resolver exposes, so a direct client is used instead.
type MiekgAdapter struct {
	// Client is the dns.Client used for all queries.
	Client *dns.Client
	// Servers are "host:port" addresses tried in order; the first to
	// answer wins. At least one is required.
	Servers []string
	// Timeout bounds a single query round trip to one server; each server
	// tried gets its own Timeout. Zero means use Client.Timeout.
	Timeout time.Duration
}

// NewMiekgAdapter returns a MiekgAdapter configured to use servers, with
// reasonable defaults for Client.
func NewMiekgAdapter(servers ...string) *MiekgAdapter {
	return &MiekgAdapter{
		Client:  &dns.Client{Timeout: 5 * time.Second},
		Servers: servers,
	}
}

func (a *MiekgAdapter) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range a.Servers {
		deadline := a.Timeout
		if deadline == 0 {
			deadline = a.Client.Timeout
		}
		qctx, cancel := context.WithTimeout(ctx, deadline)
		resp, _, err := a.Client.ExchangeContext(qctx, m, server)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func rcodeStatus(rcode int) Status {
	switch rcode {
	case dns.RcodeSuccess:
		return NOERROR
	case dns.RcodeNameError:
		return NXDOMAIN
	case dns.RcodeServerFailure:
		return SERVFAIL
	case dns.RcodeFormatError:
		return FORMERR
	case dns.RcodeNotImplemented:
		return NOTIMPL
	case dns.RcodeRefused:
		return REFUSED
	default:
		return NOVALIDANSWER
	}
}

func (a *MiekgAdapter) LookupA(ctx context.Context, name string) (Answer[net.IP], error) {
	resp, err := a.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return Answer[net.IP]{Status: SYSERROR}, err
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	return finishIP(ips, resp)
}

func (a *MiekgAdapter) LookupAAAA(ctx context.Context, name string) (Answer[net.IP], error) {
	resp, err := a.exchange(ctx, name, dns.TypeAAAA)
	if err != nil {
		return Answer[net.IP]{Status: SYSERROR}, err
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, a.AAAA)
		}
	}
	return finishIP(ips, resp)
}

func finishIP(ips []net.IP, resp *dns.Msg) (Answer[net.IP], error) {
	status := rcodeStatus(resp.Rcode)
	if status == NOERROR && len(ips) == 0 {
		status = NODATA
	}
	return Answer[net.IP]{Records: ips, Status: status}, nil
}

func (a *MiekgAdapter) LookupMX(ctx context.Context, name string) (Answer[string], error) {
	resp, err := a.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return Answer[string]{Status: SYSERROR}, err
	}
	var mxs []mxRecord
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, mxRecord{pref: mx.Preference, host: strings.ToLower(strings.TrimSuffix(mx.Mx, "."))})
		}
	}
	sortMX(mxs)
	hosts := make([]string, len(mxs))
	for i, mx := range mxs {
		hosts[i] = mx.host
	}
	return finishStrings(hosts, resp)
}

type mxRecord struct {
	pref uint16
	host string
}

func sortMX(mxs []mxRecord) {
	for i := 1; i < len(mxs); i++ {
		for j := i; j > 0 && mxs[j].pref < mxs[j-1].pref; j-- {
			mxs[j], mxs[j-1] = mxs[j-1], mxs[j]
		}
	}
}

func (a *MiekgAdapter) LookupTXT(ctx context.Context, name string) (Answer[string], error) {
	resp, err := a.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return Answer[string]{Status: SYSERROR}, err
	}
	var txts []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}
	return finishStrings(txts, resp)
}

func (a *MiekgAdapter) LookupSPF(ctx context.Context, name string) (Answer[string], error) {
	resp, err := a.exchange(ctx, name, dns.TypeSPF)
	if err != nil {
		return Answer[string]{Status: SYSERROR}, err
	}
	var spfs []string
	for _, rr := range resp.Answer {
		if spf, ok := rr.(*dns.SPF); ok {
			spfs = append(spfs, strings.Join(spf.Txt, ""))
		}
	}
	return finishStrings(spfs, resp)
}

func (a *MiekgAdapter) LookupPTR(ctx context.Context, addr net.IP) (Answer[string], error) {
	rev, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return Answer[string]{Status: FORMERR}, err
	}
	resp, xerr := a.exchange(ctx, rev, dns.TypePTR)
	if xerr != nil {
		return Answer[string]{Status: SYSERROR}, xerr
	}
	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.ToLower(strings.TrimSuffix(ptr.Ptr, ".")))
		}
	}
	return finishStrings(names, resp)
}

func finishStrings(values []string, resp *dns.Msg) (Answer[string], error) {
	status := rcodeStatus(resp.Rcode)
	if status == NOERROR && len(values) == 0 {
		status = NODATA
	}
	return Answer[string]{Records: values, Status: status}, nil
}
