package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conclave/internal/pki"
	"github.com/roach88/conclave/internal/policy"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Identity string
	OutDir   string
	KeyType  string
	Validity time.Duration
}

// KeygenResult describes the minted credential.
type KeygenResult struct {
	Identity    string `json:"identity"`
	Fingerprint string `json:"cert_fingerprint"`
	KeyType     string `json:"key_type"`
	CertPath    string `json:"cert_path"`
	KeyPath     string `json:"key_path"`
	NotAfter    string `json:"not_after"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Mint a participant credential",
		Long: `Mint a self-signed certificate and private key for one participant.

Writes <out>/<identity>.crt and <out>/<identity>.key and prints the
certificate fingerprint to place in the policy's cert_fingerprint field.

Examples:
  conclave keygen --identity alice --out ./creds
  conclave keygen --identity bob --key-type ecdsa-p256 --validity 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Identity, "identity", "", "participant identity (required)")
	_ = cmd.MarkFlagRequired("identity")
	cmd.Flags().StringVar(&opts.OutDir, "out", ".", "directory to write the credential to")
	cmd.Flags().StringVar(&opts.KeyType, "key-type", string(pki.KeyEd25519), "key algorithm (ed25519|ecdsa-p256)")
	cmd.Flags().DurationVar(&opts.Validity, "validity", pki.DefaultValidity, "certificate lifetime")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.RootOptions)

	identity := policy.NormalizeIdentity(opts.Identity)
	if identity == "" || strings.ContainsAny(identity, `/\`) {
		_ = formatter.Error(ErrCodeConfigInvalid, fmt.Sprintf("invalid identity %q", opts.Identity), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid identity %q", opts.Identity))
	}
	keyType := pki.KeyType(opts.KeyType)
	if keyType != pki.KeyEd25519 && keyType != pki.KeyECDSA {
		_ = formatter.Error(ErrCodeConfigInvalid, fmt.Sprintf("unknown key type %q", opts.KeyType), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown key type %q", opts.KeyType))
	}

	cred, err := pki.Generate(identity, pki.Options{KeyType: keyType, Validity: opts.Validity})
	if err != nil {
		_ = formatter.Error(ErrCodeCredential, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to mint credential", err)
	}
	certPath, keyPath, err := cred.WriteFiles(opts.OutDir, identity)
	if err != nil {
		_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to write credential", err)
	}
	formatter.VerboseLog("Wrote %s and %s", certPath, keyPath)

	result := KeygenResult{
		Identity:    identity,
		Fingerprint: cred.Fingerprint(),
		KeyType:     string(keyType),
		CertPath:    certPath,
		KeyPath:     keyPath,
		NotAfter:    cred.Certificate.NotAfter.UTC().Format(time.RFC3339),
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ credential for %s\n", result.Identity)
	fmt.Fprintf(w, "  certificate: %s\n", result.CertPath)
	fmt.Fprintf(w, "  private key: %s\n", result.KeyPath)
	fmt.Fprintf(w, "  expires:     %s\n", result.NotAfter)
	fmt.Fprintf(w, "  cert_fingerprint: %s\n", result.Fingerprint)
	return nil
}
