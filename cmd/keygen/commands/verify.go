package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-identity/internal/delegation"
)

func verifyCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Verify a delegation chain JSON document (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}

			return verifyWire(in, cmd.OutOrStdout(), now)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "verify as of this RFC 3339 time instead of now")
	return cmd
}

func verifyWire(in io.Reader, out io.Writer, now time.Time) error {
	var wire delegation.Wire
	if err := json.NewDecoder(in).Decode(&wire); err != nil {
		return fmt.Errorf("decode delegation: %w", err)
	}
	if err := wire.Verify(now); err != nil {
		return err
	}

	principal, err := wire.Principal()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "principal: %s\n", principal)
	fmt.Fprintf(out, "delegations: %d\n", len(wire.Delegations))
	for i, d := range wire.Delegations {
		fmt.Fprintf(out, "  [%d] expires %s\n", i, d.Delegation.ExpiresAt().UTC().Format(time.RFC3339))
	}
	return nil
}
