package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/embeddednet/tlsstack/x509cert"
)

func runInspect(cmd *cobra.Command, args []string) error {
	der, err := os.ReadFile(inputFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", inputFile, err)
	}
	cert, err := x509cert.Parse(der)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}

	fmt.Printf("Version:     %d\n", cert.Version)
	fmt.Printf("Serial:      %s\n", hex.EncodeToString(cert.Serial))
	fmt.Printf("Subject CN:  %s\n", commonNameOf(cert.Subject))
	fmt.Printf("Issuer CN:   %s\n", commonNameOf(cert.Issuer))
	fmt.Printf("NotBefore:   %s\n", cert.NotBefore)
	fmt.Printf("NotAfter:    %s\n", cert.NotAfter)
	fmt.Printf("PublicKey:   %s\n", publicKeyAlgoName(cert.PublicKeyAlgo))
	if cert.RSAPublicKey != nil {
		fmt.Printf("RSA modulus: %d bits\n", cert.RSAPublicKey.N.BitLen())
	}
	fmt.Printf("IsCA:        %v\n", cert.BasicConstraints.Present && cert.BasicConstraints.CA)
	fmt.Printf("Signature:   %s (%d bytes)\n", hex.EncodeToString(cert.OuterSignatureOID), len(cert.SignatureValue))
	return nil
}

func commonNameOf(n x509cert.Name) string {
	for _, attr := range n.Attrs {
		if attr.OID.Equal(x509cert.OIDCommonName) {
			return string(attr.Value)
		}
	}
	return "(none)"
}

func publicKeyAlgoName(a x509cert.PublicKeyAlgo) string {
	switch a {
	case x509cert.PublicKeyRSA:
		return "RSA"
	case x509cert.PublicKeyDSA:
		return "DSA"
	default:
		return "unknown"
	}
}
