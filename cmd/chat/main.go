// Command chat is the terminal client of the presence relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"presence-relay/internal/client"
	"presence-relay/internal/config"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(execute())
}

func execute() int {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(&cfg).ExecuteContext(ctx); err != nil {
		if errors.Is(err, errUsage) {
			return exitConfig
		}
		return exitRuntime
	}
	return exitOK
}

var errUsage = errors.New("usage error")

func newRootCommand(cfg *config.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Join the presence relay and chat from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Token == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "a bearer token is required (--token or CHAT_TOKEN)")
				return errUsage
			}
			return run(cmd, *cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ServerAddress, "host", cfg.ServerAddress, "relay address (host:port)")
	flags.StringVar(&cfg.EndpointPath, "path", cfg.EndpointPath, "session endpoint path")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bearer token issued for your username")
	flags.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "give up waiting for the join confirmation after this long (0 waits forever)")
	flags.BoolVar(&cfg.NoColor, "no-color", cfg.NoColor, "disable coloured output")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	return cmd
}

func run(cmd *cobra.Command, cfg config.Client) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)
	renderer := client.NewRenderer(cmd.OutOrStdout(), cfg.NoColor)
	renderer.Notice("You can always quit with Ctrl + C")

	opts := client.Options{
		URL:         client.URL(cfg.ServerAddress, cfg.EndpointPath),
		Token:       cfg.Token,
		JoinTimeout: cfg.JoinTimeout,
	}
	if err := client.Chat(cmd.Context(), log, opts, cmd.InOrStdin(), renderer); err != nil {
		log.Debug("Session ended", "error", err)
		return err
	}
	return nil
}
