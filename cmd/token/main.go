// Command token mints a bearer token for a username, signed with the relay's
// JWT_SECRET. It stands in for the external credential issuer during
// development.
package main

import (
	"fmt"
	"os"

	"presence-relay/internal/auth"
	"presence-relay/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "token <username>",
		Short:         "Print a bearer token for username",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadToken()
			if err != nil {
				return err
			}
			token, err := auth.NewJWT(cfg.JWTSecret).Generate(args[0], cfg.TTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
