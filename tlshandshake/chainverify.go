// chainverify.go validates a peer's presented certificate chain against a
// trusted root set, applying x509cert.Validate link by link and anchoring
// the final link to a root whose subject matches its issuer, per spec.md
// §4.6's validation procedure driven leaf-to-root.
package tlshandshake

import (
	"fmt"
	"time"

	"github.com/embeddednet/tlsstack/stackerr"
	"github.com/embeddednet/tlsstack/x509cert"
)

// VerifyChain parses chain (DER, leaf first), checks every link's validity
// window and issuer signature, and requires the final link to chain to one
// of roots. It returns the parsed certificates, leaf first.
func VerifyChain(chain [][]byte, roots []*x509cert.Certificate, now time.Time) ([]*x509cert.Certificate, error) {
	if len(chain) == 0 {
		return nil, stackerr.New(stackerr.BadCertificate, "tlshandshake.VerifyChain", fmt.Errorf("empty certificate chain"))
	}
	certs := make([]*x509cert.Certificate, len(chain))
	for i, der := range chain {
		cert, err := x509cert.Parse(der)
		if err != nil {
			return nil, err
		}
		if err := x509cert.CheckValidityWindow(cert, now); err != nil {
			return nil, err
		}
		certs[i] = cert
	}
	for i := 0; i < len(certs)-1; i++ {
		if err := x509cert.Validate(certs[i], certs[i+1]); err != nil {
			return nil, err
		}
	}

	last := certs[len(certs)-1]
	for _, root := range roots {
		if !rawEqual(last.Issuer.Raw, root.Subject.Raw) {
			continue
		}
		if err := x509cert.Validate(last, root); err == nil {
			return certs, nil
		}
	}
	return nil, stackerr.New(stackerr.BadCertificate, "tlshandshake.VerifyChain", fmt.Errorf("chain does not anchor to a trusted root"))
}

func rawEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
