package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func runGencert(cmd *cobra.Command, args []string) error {
	key, err := demoRSAKey()
	if err != nil {
		return fmt.Errorf("build demo key: %w", err)
	}
	cert, err := selfSignedCert(key, commonName, time.Now(), validFor)
	if err != nil {
		return fmt.Errorf("build self-signed certificate: %w", err)
	}

	certPath := outputFile + ".crt"
	if err := os.WriteFile(certPath, cert, 0644); err != nil {
		return fmt.Errorf("write %s: %w", certPath, err)
	}

	keyPath := outputFile + ".key"
	keyDump := fmt.Sprintf("N=%s\nE=%s\nD=%s\nP=%s\nQ=%s\n",
		hex.EncodeToString(key.N.Bytes()),
		hex.EncodeToString(key.E.Bytes()),
		hex.EncodeToString(key.D.Bytes()),
		hex.EncodeToString(key.P.Bytes()),
		hex.EncodeToString(key.Q.Bytes()),
	)
	if err := os.WriteFile(keyPath, []byte(keyDump), 0600); err != nil {
		return fmt.Errorf("write %s: %w", keyPath, err)
	}

	fmt.Printf("wrote %s (%d bytes), %s\n", certPath, len(cert), keyPath)
	return nil
}
