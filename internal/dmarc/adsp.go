package dmarc

import (
	"context"
	"strings"

	"blitiri.com.ar/go/authd/internal/resolver"
	"blitiri.com.ar/go/authd/internal/tagvalue"
)

// ADSPResult is the outcome vocabulary for Author Domain Signing
// Practices (RFC 5617 section 4.3): a strict superset of Result since
// ADSP distinguishes "discardable" from a plain "fail".
type ADSPResult string

const (
	ADSPPass      ADSPResult = "pass"
	ADSPFail      ADSPResult = "fail"
	ADSPDiscard   ADSPResult = "discard"
	ADSPUnknown   ADSPResult = "unknown"
	ADSPNXDomain  ADSPResult = "nxdomain"
	ADSPNone      ADSPResult = "none"
	ADSPTempError ADSPResult = "temperror"
	ADSPPermError ADSPResult = "permerror"
)

// ADSPPractice is the dkim= tag of an ADSP record.
type ADSPPractice string

const (
	PracticeAll         ADSPPractice = "all"
	PracticeDiscardable ADSPPractice = "discardable"
	PracticeUnknown     ADSPPractice = "unknown"
)

// EvaluateADSP classifies the Author Domain Signing Practices for one
// Author domain. hasAuthorSignature reports whether any verified DKIM
// signature's SDID case-insensitively equals authorDomain (an "Author
// Domain Signature"), which short-circuits to a pass without any DNS
// lookup, per RFC 5617 section 4.2.
func EvaluateADSP(ctx context.Context, res resolver.Resolver, authorDomain string, hasAuthorSignature bool) ADSPResult {
	if hasAuthorSignature {
		return ADSPPass
	}

	ans, err := res.LookupTXT(ctx, "_adsp._domainkey."+authorDomain)
	if err != nil {
		return ADSPTempError
	}
	switch ans.Status {
	case resolver.NXDOMAIN:
		return ADSPNXDomain
	case resolver.NODATA:
		return ADSPNone
	case resolver.NOERROR:
		// fall through to record selection.
	default:
		if ans.Status.Temporary() {
			return ADSPTempError
		}
		return ADSPPermError
	}

	var valid []ADSPPractice
	for _, txt := range ans.Records {
		practice, ok := parseADSPRecord(txt)
		if !ok {
			continue
		}
		valid = append(valid, practice)
	}
	switch {
	case len(valid) > 1:
		return ADSPPermError
	case len(valid) == 1:
		switch valid[0] {
		case PracticeAll:
			return ADSPFail
		case PracticeDiscardable:
			return ADSPDiscard
		default:
			return ADSPUnknown
		}
	default:
		// No record, or records that don't carry a usable dkim= value:
		// either way there is no practice to enforce.
		return ADSPNone
	}
}

// parseADSPRecord parses one ADSP TXT string: a tag-list whose only
// meaningful tag is dkim= (RFC 5617 section 4.2.1; an absent dkim=
// defaults to unknown). The list is parsed in WSP-only mode, since
// ADSP's grammar allows only WSP, not FWS, between tokens.
func parseADSPRecord(s string) (ADSPPractice, bool) {
	tags, err := tagvalue.ParseList(s, tagvalue.Options{WSPOnly: true})
	if err != nil {
		return "", false
	}
	dkim, ok := tags["dkim"]
	if !ok {
		dkim = "unknown"
	}
	switch dkim {
	case "all":
		return PracticeAll, true
	case "discardable":
		return PracticeDiscardable, true
	case "unknown":
		return PracticeUnknown, true
	default:
		return "", false
	}
}

// HasAuthorDomainSignature reports whether any SDID in sdids
// case-insensitively equals authorDomain, RFC 5617 section 2.7's
// "Author Domain Signature" test.
func HasAuthorDomainSignature(sdids []string, authorDomain string) bool {
	for _, d := range sdids {
		if strings.EqualFold(d, authorDomain) {
			return true
		}
	}
	return false
}
