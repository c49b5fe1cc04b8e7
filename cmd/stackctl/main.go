// Command stackctl is the demo CLI named in SPEC_FULL.md's ambient-stack
// section: a thin cobra front end over netsock/nettcp/tlshandshake/
// x509cert for generating a demo identity, inspecting a certificate,
// exercising the full handshake stack end to end in-process, and serving
// or dialing it over a real UDP socket. It mirrors cmd/threshold-cli's
// package-level flag vars plus cobra.Command struct literals, with
// keygen/sign/reshare/verify/... replaced by gencert/inspect/selftest/
// serve/connect.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stacklog"
)

var (
	verbose    bool
	outputFile string
	inputFile  string
	commonName string
	validFor   time.Duration

	localAddr  string
	serverName string
	tlsVersion string
)

var rootCmd = &cobra.Command{
	Use:   "stackctl",
	Short: "Exercise the embedded TCP/TLS stack from the command line",
	Long: `stackctl drives netsock, nettcp, tlshandshake and x509cert directly,
the way a firmware integration test would: generate a demo certificate,
inspect one, run a full handshake entirely in-process, or serve/connect
over a real UDP socket.`,
}

var gencertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a demo self-signed RSA identity",
	Long: `gencert builds an RSA key pair from fixed demo primes (this module has
no key-generation routine; see DESIGN.md) and a self-signed certificate,
writing the DER-encoded certificate and a newline-separated hex dump of
the private key's modulus/exponents to --output.`,
	RunE: runGencert,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Parse and print a DER certificate",
	Long:  `inspect parses --input as a DER certificate via x509cert.Parse and prints its fields.`,
	RunE:  runInspect,
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run a full TCP handshake + TLS handshake entirely in-process",
	Long: `selftest assembles a netsock.Table, an in-memory nettcp.Link, an
ostask.Supervisor running the tick/RX/application task set, and a
tlshandshake round over it, end to end, printing PASS or the first
failure.`,
	RunE: runSelftest,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve one TLS connection over a real UDP socket",
	RunE:  runServe,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Dial a stackctl serve instance over UDP and run the client handshake",
	RunE:  runConnect,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log handshake/connection events to stderr")

	gencertCmd.Flags().StringVarP(&outputFile, "output", "o", "demo", "Output file prefix (writes PREFIX.crt and PREFIX.key)")
	gencertCmd.Flags().StringVar(&commonName, "cn", "stackctl-demo", "Certificate CommonName")
	gencertCmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate validity period")

	inspectCmd.Flags().StringVarP(&inputFile, "input", "i", "", "DER certificate file (required)")
	inspectCmd.MarkFlagRequired("input")

	serveCmd.Flags().StringVarP(&localAddr, "addr", "a", "127.0.0.1:4443", "UDP address to listen on")

	connectCmd.Flags().StringVarP(&localAddr, "addr", "a", "127.0.0.1:4443", "UDP address to dial")
	connectCmd.Flags().StringVar(&serverName, "server-name", "", "Expected server CommonName (SNI, also used for trust matching)")

	rootCmd.PersistentFlags().StringVar(&tlsVersion, "tls-version", "tls12", "TLS version to negotiate: tls10, tls11, tls12")

	rootCmd.AddCommand(gencertCmd, inspectCmd, selftestCmd, serveCmd, connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliLogger returns stacklog.Standard() when --verbose is set, otherwise
// a discarding logger, the knob every subcommand threads into the
// constructors stacklog.Logger now reaches (nettcp.ControlBlock,
// netsock.Table, tlshandshake.Context).
func cliLogger() stacklog.Logger {
	if verbose {
		return stacklog.Standard()
	}
	return stacklog.Discard()
}

func tlsVersionConst() (stackcfg.TLSVersion, error) {
	switch tlsVersion {
	case "tls10":
		return stackcfg.TLS10, nil
	case "tls11":
		return stackcfg.TLS11, nil
	case "tls12", "":
		return stackcfg.TLS12, nil
	default:
		return 0, fmt.Errorf("unrecognized --tls-version %q", tlsVersion)
	}
}
