package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-identity/internal/cookie"
	"github.com/tendant/simple-identity/internal/sealed"
)

func envCmd() *cobra.Command {
	var (
		out    string
		force  bool
		noSeal bool
	)

	cmd := &cobra.Command{
		Use:   "env",
		Short: "Generate cookie, migration and sealing keys as a .env file",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := generateEnv(!noSeal)
			if err != nil {
				return err
			}

			if out == "" {
				content, err := godotenv.Marshal(env)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), content)
				return nil
			}

			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", out)
			}
			if err := godotenv.Write(env, out); err != nil {
				return err
			}
			if err := os.Chmod(out, 0o600); err != nil {
				return err
			}
			if recipient, ok := env[recipientComment]; ok {
				fmt.Fprintf(cmd.OutOrStdout(), "sealing recipient: %s\n", recipient)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&noSeal, "no-seal", false, "do not generate a sealing identity")
	return cmd
}

// recipientComment records the public half of the sealing identity so
// operators can seal records offline.
const recipientComment = "IDENTITY_SEAL_RECIPIENT"

func generateEnv(seal bool) (map[string]string, error) {
	cookieKey, err := randomHex(cookie.KeySize)
	if err != nil {
		return nil, err
	}
	migrationKey, err := randomHex(cookie.KeySize)
	if err != nil {
		return nil, err
	}

	env := map[string]string{
		"IDENTITY_COOKIE_KEY":    cookieKey,
		"IDENTITY_MIGRATION_KEY": migrationKey,
	}

	if seal {
		identity, recipient, err := sealed.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		env["IDENTITY_SEAL_IDENTITY"] = identity
		env[recipientComment] = recipient
	}
	return env, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
