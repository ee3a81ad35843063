package dmarc

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"strings"

	"blitiri.com.ar/go/authd/internal/resolver"
	"blitiri.com.ar/go/authd/internal/tagvalue"
)

// ATPSSignature is one verified DKIM signature's third-party signature
// authorization tags, as surfaced by internal/dkim.OneResult.
type ATPSSignature struct {
	SDID string
	Hash string // atpsh=, e.g. "sha1", "sha256", or "none"
	ATPS string // atps= domain the signer claims delegation from
}

// EvaluateATPS implements RFC 6541: an Author
// Domain (which did not itself sign the message) can still authorize
// a third party's SDID to sign on its behalf, discoverable via an
// "<encoded-sdid>._atps.<atps-domain>" TXT record.
func EvaluateATPS(ctx context.Context, res resolver.Resolver, authorDomain string, sigs []ATPSSignature) Result {
	var candidates []ATPSSignature
	for _, s := range sigs {
		if s.ATPS == "" {
			continue
		}
		if !strings.EqualFold(s.ATPS, authorDomain) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return ResultNone
	}

	sawTempError := false
	for _, s := range candidates {
		name, ok := atpsQueryName(s)
		if !ok {
			continue
		}
		ans, err := res.LookupTXT(ctx, name)
		if err != nil {
			sawTempError = true
			continue
		}
		switch ans.Status {
		case resolver.NOERROR:
			for _, txt := range ans.Records {
				if _, err := tagvalue.ParseList(txt, tagvalue.Options{}); err == nil {
					return ResultPass
				}
			}
		case resolver.NODATA, resolver.NXDOMAIN:
			// not authorized under this SDID, try the next candidate.
		default:
			if ans.Status.Temporary() {
				sawTempError = true
			}
		}
	}

	if sawTempError {
		return ResultTempError
	}
	return ResultFail
}

// atpsQueryName builds "<base32(hash(sdid))>._atps.<atps-domain>", or
// "<sdid>._atps.<atps-domain>" when atpsh=none per RFC 6541 section 3.2.
func atpsQueryName(s ATPSSignature) (string, bool) {
	if !tagvalue.ValidateDomain(s.ATPS) {
		return "", false
	}
	sdid := strings.ToLower(s.SDID)
	switch s.Hash {
	case "", "sha1":
		sum := sha1.Sum([]byte(sdid))
		return tagvalue.EncodeBase32ATPS(sum[:]) + "._atps." + s.ATPS, true
	case "sha256":
		sum := sha256.Sum256([]byte(sdid))
		return tagvalue.EncodeBase32ATPS(sum[:]) + "._atps." + s.ATPS, true
	case "none":
		return sdid + "._atps." + s.ATPS, true
	default:
		return "", false
	}
}
