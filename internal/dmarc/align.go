package dmarc

import "strings"

// Result is the outcome vocabulary for a DMARC evaluation, matching
// RFC 5451/7489's "pass|fail|temperror|permerror|none".
type Result string

const (
	ResultNone      Result = "none"
	ResultPass      Result = "pass"
	ResultFail      Result = "fail"
	ResultTempError Result = "temperror"
	ResultPermError Result = "permerror"
)

// SPFIdentity is the authenticated domain SPF produced (Mail From, or
// HELO when Mail From was null), together with whether that
// evaluation passed.
type SPFIdentity struct {
	Domain    string
	Pass      bool
	TempError bool
}

// DKIMIdentity is one verified (or attempted) DKIM signature's SDID,
// together with whether it validated.
type DKIMIdentity struct {
	Domain    string
	Pass      bool
	TempError bool
}

// Outcome is the result of evaluating one Author identity against a
// DMARC record and the SPF/DKIM results already computed for the
// message.
type Outcome struct {
	Result      Result
	SPFAligned  bool
	DKIMAligned bool
	// AlignedDKIMDomain names which verified signature's SDID aligned,
	// when DKIMAligned is true; used for reporting.
	AlignedDKIMDomain string
	// Disposition is the receiver policy that applies after sampling
	// is taken into account by the caller (EffectivePolicy); it is
	// populated only when Result is Fail.
	Disposition ReceiverPolicy
	Reason      string
}

// Evaluate implements RFC 7489 section 3.1's alignment test: DMARC
// passes if either the SPF or the DKIM identifier is "in alignment"
// with the Author (RFC5322.From) domain, per the record's adkim=/aspf=
// mode. orgDomain resolves the Organizational Domain of a domain for
// relaxed-mode comparisons; it may be nil, in which case relaxed mode
// degrades to strict equality.
func Evaluate(authorDomain string, rec *Record, spf *SPFIdentity, dkim []DKIMIdentity, orgDomain OrgDomainFunc) Outcome {
	var dkimAligned, dkimTempError bool
	var alignedDomain string
	for _, d := range dkim {
		if !isAligned(authorDomain, d.Domain, rec.DKIMAlignment, orgDomain) {
			continue
		}
		if d.Pass {
			dkimAligned = true
			alignedDomain = d.Domain
			break
		}
		if d.TempError {
			dkimTempError = true
		}
	}

	var spfAligned, spfTempError bool
	if spf != nil {
		aligned := isAligned(authorDomain, spf.Domain, rec.SPFAlignment, orgDomain)
		if aligned && spf.Pass {
			spfAligned = true
		}
		if aligned && spf.TempError {
			spfTempError = true
		}
	}

	if dkimAligned || spfAligned {
		return Outcome{
			Result:            ResultPass,
			SPFAligned:        spfAligned,
			DKIMAligned:       dkimAligned,
			AlignedDKIMDomain: alignedDomain,
		}
	}

	// An aligned identifier that merely temperror'd (rather than
	// cleanly failing) means we cannot yet call this a DMARC failure:
	// the message may well have passed if the lookup had succeeded.
	if dkimTempError || spfTempError {
		return Outcome{Result: ResultTempError, Reason: "aligned identifier had a temporary error"}
	}

	return Outcome{
		Result: ResultFail,
		Reason: "no aligned identifier passed",
	}
}

func isAligned(authorDomain, authDomain string, mode Alignment, orgDomain OrgDomainFunc) bool {
	if authDomain == "" {
		return false
	}
	if mode == AlignStrict || orgDomain == nil {
		return strings.EqualFold(authorDomain, authDomain)
	}
	authorOrg, ok := orgDomain(authorDomain)
	if !ok {
		authorOrg = authorDomain
	}
	authOrg, ok := orgDomain(authDomain)
	if !ok {
		authOrg = authDomain
	}
	return strings.EqualFold(authorOrg, authOrg)
}
