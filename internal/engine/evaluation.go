package engine

import (
	"context"
	"errors"
	"net"
	"net/mail"
	"strings"

	"blitiri.com.ar/go/authd/internal/authres"
	"blitiri.com.ar/go/authd/internal/dkim"
	"blitiri.com.ar/go/authd/internal/dmarc"
	"blitiri.com.ar/go/authd/internal/envelope"
	"blitiri.com.ar/go/authd/internal/spf"
	"blitiri.com.ar/go/authd/internal/tagvalue"
	"blitiri.com.ar/go/authd/internal/trace"
)

// header is one accumulated header field, kept in the rawest form the
// three evaluators can all work from: internal/dkim needs the exact
// wire bytes (hadSpace governs whether a ": " or a bare ":" separated
// name from value on the wire), while internal/spf.Header and
// internal/dmarc.Header only need Name/Value.
type header struct {
	Name     string
	Value    string
	HadSpace bool
}

// Evaluation is the per-message state an MTA filter drives through one
// SMTP transaction: SetConnection and SetMailFrom as envelope data
// arrives, AddHeader/Write as the header block and body stream in, and
// Finish once the whole message has been seen. Not safe for concurrent
// use by multiple goroutines; each message gets its own Evaluation.
type Evaluation struct {
	engine *Engine
	trace  *trace.Trace

	spfChecker *spf.Checker

	ip   net.IP
	helo string

	mailFromSet bool
	mailFrom    string
	spfOutcome  *spf.Outcome
	spfDomain   string // authenticated identity: MAIL FROM domain, or HELO's when null

	headers []header
	body    []byte
}

// SetConnection records the client IP and EHLO/HELO domain, both used
// by SPF (the IP for mechanism matching, the HELO domain for the %{h}
// macro and as the fallback sender identity on a null MAIL FROM).
func (e *Evaluation) SetConnection(ip net.IP, helo string) {
	e.ip = ip
	e.helo = helo
}

// SetMailFrom records the envelope sender and immediately runs
// check_host for the spf1 scope, since SPF needs only the connection
// and envelope, not the headers or body. mailbox is the raw MAIL FROM
// address, or "" for a null reverse-path (<>).
func (e *Evaluation) SetMailFrom(ctx context.Context, mailbox string) {
	e.mailFromSet = true
	e.mailFrom = mailbox

	local, domain := envelope.Split(mailbox)
	if mailbox == "" {
		// RFC 7208 section 2.4: for a null reverse-path, use "postmaster"
		// as the local-part and the HELO/EHLO domain as both the domain
		// argument and the sender identity.
		local = "postmaster"
		domain = e.helo
	}
	sender := local + "@" + domain

	outcome := e.spfChecker.CheckHost(ctx, e.ip, domain, sender)
	e.trace.Printf("spf check_host(%s, %q, %q) = %s", e.ip, domain, sender, outcome.Result)
	e.spfOutcome = &outcome
	e.spfDomain = domain
}

// AddHeader appends one header field, in wire order. hadSpace records
// whether the original header line retained the space after the colon,
// so the reconstructed message byte-for-byte matches what simple
// canonicalisation will hash.
func (e *Evaluation) AddHeader(name, value string, hadSpace bool) {
	e.headers = append(e.headers, header{Name: name, Value: value, HadSpace: hadSpace})
}

// Write appends one chunk of body octets. It may be called any number
// of times with arbitrarily small chunks; the chunks are buffered and
// handed to internal/dkim's canonicalisation as a whole at Finish,
// since the body canonicalisations' trailing-blank-line rule needs to
// see the end of the body before it can normalize the last line.
func (e *Evaluation) Write(chunk []byte) (int, error) {
	e.body = append(e.body, chunk...)
	return len(chunk), nil
}

// rawMessage reconstructs the RFC 5322 message text (headers, a blank
// line, then the body) the way internal/dkim.VerifyMessage expects it:
// CRLF-terminated throughout.
func (e *Evaluation) rawMessage() string {
	var b strings.Builder
	for _, h := range e.headers {
		b.WriteString(h.Name)
		if h.HadSpace {
			b.WriteString(": ")
		} else {
			b.WriteString(":")
		}
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(e.body)
	return b.String()
}

func (e *Evaluation) spfHeaders() []spf.Header {
	hs := make([]spf.Header, len(e.headers))
	for i, h := range e.headers {
		hs[i] = spf.Header{Name: h.Name, Value: h.Value}
	}
	return hs
}

func (e *Evaluation) dmarcHeaders() []dmarc.Header {
	hs := make([]dmarc.Header, len(e.headers))
	for i, h := range e.headers {
		hs[i] = dmarc.Header{Name: h.Name, Value: h.Value}
	}
	return hs
}

// Finish completes the evaluation: it finalizes DKIM verification over
// the accumulated message, runs the Sender ID / PRA check, then
// DMARC/ADSP/ATPS (which need the DKIM results), and renders the
// Authentication-Results value.
func (e *Evaluation) Finish(ctx context.Context) (*Result, error) {
	dctx := e.withDKIMPolicy(ctx)

	dkimResult, err := dkim.VerifyMessage(dctx, e.rawMessage())
	if err != nil {
		// A malformed message (not any one signature) is a system-level
		// failure: the caller gets a distinguished error so it can defer
		// rather than annotate.
		return nil, e.trace.Errorf("dkim verification aborted: %v", err)
	}

	result := &Result{
		SPF:       e.spfOutcome,
		SPFDomain: e.spfDomain,
		DKIM:      dkimResult,
	}

	if idx, ok := spf.SelectPRA(e.spfHeaders()); ok {
		if sender, ok := mailboxOf(e.headers[idx].Value); ok {
			_, senderDomain := envelope.Split(sender)
			outcome := e.spfChecker.CheckSenderID(ctx, e.ip, senderDomain, sender, e.helo, spf.ScopeSPF2PRA)
			result.SenderID = &outcome
			result.SenderIDDomain = senderDomain
		}
	}

	ar := &authres.Set{AuthServID: e.engine.Policy.authServID}
	e.addSPFClause(ar, result)
	e.addSenderIDClause(ar, result)
	e.addDKIMClauses(ar, dkimResult)

	authors, err := dmarc.ExtractAuthors(e.dmarcHeaders())
	if err == nil {
		result.Authors = e.evaluateAuthors(ctx, authors, dkimResult, ar)
	} else {
		e.trace.Printf("dmarc author extraction failed: %v", err)
		ar.Add(authres.Clause{Method: "dmarc", Result: string(dmarc.ResultPermError), Reason: err.Error()})
	}

	result.AuthResults = ar
	result.Rendered = ar.Render(e.engine.Policy.newline)
	return result, nil
}

func (e *Evaluation) withDKIMPolicy(ctx context.Context) context.Context {
	p := e.engine.Policy
	ctx = dkim.WithLookupTXTFunc(ctx, dkimLookupTXT(e.engine.Resolver))
	ctx = dkim.WithMaxHeaders(ctx, p.maxDKIMSignatures)
	ctx = dkim.WithMinRSABits(ctx, p.minRSABits)
	ctx = dkim.WithTimePolicy(ctx, p.acceptExpiredDKIM, p.acceptFutureDKIM, p.clockSkew)
	ctx = dkim.WithRFC4871CompatMode(ctx, p.rfc4871Compat)
	ctx = dkim.WithTraceFunc(ctx, func(format string, a ...interface{}) {
		e.trace.Debugf(format, a...)
	})
	return ctx
}

func (e *Evaluation) addSPFClause(ar *authres.Set, result *Result) {
	if result.SPF == nil {
		return
	}
	c := authres.Clause{Method: "spf", Result: string(result.SPF.Result)}
	if e.mailFromSet {
		c.Properties = append(c.Properties, authres.Property{PType: "smtp", Property: "mailfrom", Value: displayMailFrom(e.mailFrom)})
	}
	if e.helo != "" {
		c.Properties = append(c.Properties, authres.Property{PType: "smtp", Property: "helo", Value: e.helo})
	}
	if result.SPF.Explanation != "" {
		c.Comment = string(result.SPF.Explanation)
	}
	ar.Add(c)
}

func (e *Evaluation) addSenderIDClause(ar *authres.Set, result *Result) {
	if result.SenderID == nil {
		return
	}
	ar.Add(authres.Clause{
		Method: "sender-id",
		Result: string(result.SenderID.Result),
		Properties: []authres.Property{
			{PType: "header", Property: "from", Value: result.SenderIDDomain},
		},
	})
}

// addDKIMClauses maps each dkim.OneResult to the RFC 5451 dkim= result
// vocabulary. Testing-key SUCCESS is demoted to neutral here, at the
// mapping layer, keeping dkim.VerifyResult itself a pure crypto/syntax
// verdict.
func (e *Evaluation) addDKIMClauses(ar *authres.Set, vr *dkim.VerifyResult) {
	if vr.Found == 0 {
		ar.Add(authres.Clause{Method: "dkim", Result: "none"})
		return
	}
	for _, res := range vr.Results {
		c := authres.Clause{Method: "dkim"}
		switch res.State {
		case dkim.SUCCESS:
			if res.Testing {
				c.Result = "neutral"
				c.Reason = "testing key"
			} else {
				c.Result = "pass"
			}
		case dkim.POLICY:
			c.Result = "policy"
			if res.Error != nil {
				c.Reason = res.Error.Error()
			}
		case dkim.TEMPFAIL:
			c.Result = "temperror"
			if res.Error != nil {
				c.Reason = res.Error.Error()
			}
		case dkim.PERMFAIL:
			// Only a cryptographic mismatch is a "fail"; syntax errors,
			// missing or revoked keys and expired signatures all demote
			// to neutral, since they say nothing about whether the
			// message was altered.
			if errors.Is(res.Error, dkim.ErrBodyHashMismatch) || errors.Is(res.Error, dkim.ErrVerificationFailed) {
				c.Result = "fail"
			} else {
				c.Result = "neutral"
			}
			if res.Error != nil {
				c.Reason = res.Error.Error()
			}
		default:
			c.Result = "neutral"
		}
		if res.B != "" {
			n := len(res.B)
			if n > 12 {
				n = 12
			}
			c.Properties = append(c.Properties, authres.Property{PType: "header", Property: "b", Value: res.B[:n]})
		}
		if res.Domain != "" {
			c.Properties = append(c.Properties, authres.Property{PType: "header", Property: "d", Value: res.Domain})
		}
		ar.Add(c)
	}
}

func (e *Evaluation) evaluateAuthors(ctx context.Context, authors []dmarc.Author, vr *dkim.VerifyResult, ar *authres.Set) []AuthorResult {
	var sdids []string
	var dkimIdentities []dmarc.DKIMIdentity
	var atpsSigs []dmarc.ATPSSignature
	for _, res := range vr.Results {
		if res.Domain == "" {
			continue
		}
		dkimIdentities = append(dkimIdentities, dmarc.DKIMIdentity{
			Domain:    res.Domain,
			Pass:      res.State == dkim.SUCCESS,
			TempError: res.State == dkim.TEMPFAIL,
		})
		if res.State == dkim.SUCCESS {
			sdids = append(sdids, res.Domain)
		}
		if res.ATPSDomain != "" {
			atpsSigs = append(atpsSigs, dmarc.ATPSSignature{SDID: res.Domain, Hash: res.ATPSHash, ATPS: res.ATPSDomain})
		}
	}

	var spfIdentity *dmarc.SPFIdentity
	if e.spfOutcome != nil {
		spfIdentity = &dmarc.SPFIdentity{
			Domain:    e.spfDomain,
			Pass:      e.spfOutcome.Result == spf.Pass,
			TempError: e.spfOutcome.Result == spf.TempError,
		}
	}

	max := e.engine.Policy.maxDMARCAuthors
	results := make([]AuthorResult, 0, len(authors))
	for i, author := range authors {
		if max > 0 && i >= max {
			e.trace.Printf("dropping author %s@%s past the DMARC author cap", author.Local, author.Domain)
			break
		}

		ar1 := AuthorResult{Author: author}

		hasAuthorSig := dmarc.HasAuthorDomainSignature(sdids, author.Domain)
		ar1.ADSP = dmarc.EvaluateADSP(ctx, e.engine.Resolver, author.Domain, hasAuthorSig)
		ar1.ATPS = dmarc.EvaluateATPS(ctx, e.engine.Resolver, author.Domain, atpsSigs)

		fetch := dmarc.FetchRecord(ctx, e.engine.Resolver, e.engine.OrgDomain, author.Domain)
		switch {
		case errors.Is(fetch.Err, dmarc.ErrPermError):
			// A published but unusable record (bad p=, multiple
			// records, ...) is the domain owner's error, not ours.
			ar1.DMARC = dmarc.Outcome{Result: dmarc.ResultPermError, Reason: fetch.Err.Error()}
		case fetch.Err != nil:
			ar1.DMARC = dmarc.Outcome{Result: dmarc.ResultTempError, Reason: fetch.Err.Error()}
		case fetch.Record != nil:
			ar1.HadDMARCRecord = true
			ar1.DMARC = dmarc.Evaluate(author.Domain, fetch.Record, spfIdentity, dkimIdentities, e.engine.OrgDomain)
			if ar1.DMARC.Result == dmarc.ResultFail {
				ar1.DMARC.Disposition = fetch.Record.EffectivePolicy(fetch.PolicyDomain, author.Domain)
			}
		default:
			ar1.DMARC = dmarc.Outcome{Result: dmarc.ResultNone}
		}

		e.addAuthorClauses(ar, author, ar1)
		results = append(results, ar1)
	}
	return results
}

func (e *Evaluation) addAuthorClauses(ar *authres.Set, author dmarc.Author, res AuthorResult) {
	from := author.Local + "@" + author.Domain

	ar.Add(authres.Clause{
		Method: "dmarc",
		Result: string(res.DMARC.Result),
		Reason: res.DMARC.Reason,
		Properties: []authres.Property{
			{PType: "header", Property: "from", Value: from},
		},
	})

	if res.ADSP != "" && res.ADSP != dmarc.ADSPNone {
		ar.Add(authres.Clause{
			Method: "dkim-adsp",
			Result: string(res.ADSP),
			Properties: []authres.Property{
				{PType: "header", Property: "from", Value: from},
			},
		})
	}

	if res.ATPS != "" && res.ATPS != dmarc.ResultNone {
		ar.Add(authres.Clause{
			Method: "dkim-atps",
			Result: string(res.ATPS),
			Properties: []authres.Property{
				{PType: "header", Property: "from", Value: from},
			},
		})
	}
}

// mailboxOf extracts the first address out of a header value that may
// be a full mailbox-list (From:, Sender:), for use as the Sender ID
// "sender" macro-expansion identity.
func mailboxOf(headerValue string) (string, bool) {
	local, domain, err := tagvalue.SplitMailbox(headerValue)
	if err == nil {
		return local + "@" + domain, true
	}
	list, err := mail.ParseAddressList(headerValue)
	if err != nil || len(list) == 0 {
		return "", false
	}
	return list[0].Address, true
}

// displayMailFrom renders the envelope sender the way Authentication-
// Results smtp.mailfrom= expects: "<>" for a null reverse-path, the
// address verbatim otherwise.
func displayMailFrom(mailFrom string) string {
	if mailFrom == "" {
		return "<>"
	}
	return mailFrom
}
