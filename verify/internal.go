// Package verify provides recipient address verifiers.
package verify

import (
	"github.com/relaykit/go-smtpd"
	"github.com/relaykit/go-smtpd/backendutil"
	"github.com/relaykit/go-smtpd/log"
)

// Internal accepts every recipient at a remote domain. Addresses at a
// local domain, and a bare "postmaster", are reported as local.
type Internal struct {
	localDomains map[string]bool

	// Full names of local users keyed by normalized local part. When set,
	// unknown users at a local domain are rejected.
	users map[string]string
}

// NewInternal builds a verifier for the given local domains, in U-label
// or A-label form.
func NewInternal(localDomains []string, users map[string]string) *Internal {
	v := &Internal{localDomains: make(map[string]bool)}
	for _, d := range localDomains {
		nd, err := backendutil.NormalizeDomain(d)
		if err != nil {
			log.LogWarn("Ignoring invalid local domain %q: %v", d, err)
			continue
		}
		v.localDomains[nd] = true
	}
	if len(users) > 0 {
		v.users = make(map[string]string, len(users))
		for u, name := range users {
			nu, _ := backendutil.NormalizeAddress(u)
			v.users[nu] = name
		}
	}
	return v
}

func (v *Internal) Verify(req smtp.VerifyRequest, done func(smtp.VerifierStatus)) {
	done(v.check(req.Address))
}

func (v *Internal) check(address string) smtp.VerifierStatus {
	normalized, err := backendutil.NormalizeAddress(address)
	if err != nil {
		return smtp.VerifierStatus{Address: address, Response: "invalid mailbox name"}
	}
	local, domain := backendutil.SplitAddress(normalized)

	if domain == "" {
		if local == "postmaster" {
			return smtp.VerifierStatus{Valid: true, Local: true, Address: "postmaster", FullName: "postmaster"}
		}
		return smtp.VerifierStatus{Address: address, Response: "no such mailbox"}
	}
	if !v.localDomains[domain] {
		return smtp.VerifierStatus{Valid: true, Address: address}
	}

	if local == "postmaster" {
		return smtp.VerifierStatus{Valid: true, Local: true, Address: normalized, FullName: "postmaster"}
	}
	if v.users == nil {
		return smtp.VerifierStatus{Valid: true, Local: true, Address: normalized, FullName: local}
	}
	name, ok := v.users[local]
	if !ok {
		return smtp.VerifierStatus{Address: address, Response: "no such mailbox"}
	}
	return smtp.VerifierStatus{Valid: true, Local: true, Address: normalized, FullName: name}
}

func (v *Internal) Cancel() {}
