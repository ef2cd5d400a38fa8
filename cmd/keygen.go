package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/teemow/calfanout/internal/credential"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the encryption key, handshake secret and API token",
		Long: `Print a fresh base64 encoded encryption key, state secret and API token as environment
variable assignments, ready for an env file or a Kubernetes secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd.OutOrStdout())
		},
	}
}

func runKeygen(out io.Writer) error {
	for _, name := range []string{"CALFANOUT_ENCRYPTION_KEY", "CALFANOUT_STATE_SECRET", "CALFANOUT_API_TOKEN"} {
		key, err := credential.GenerateKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		if _, err := fmt.Fprintf(out, "%s=%s\n", name, credential.KeyToBase64(key)); err != nil {
			return err
		}
	}
	return nil
}
