// Package cli defines the console command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/console/internal/console/app"
	"github.com/aussiebroadwan/console/pkg/gateway"
	"github.com/aussiebroadwan/console/pkg/slogx"
)

// state is shared by every command in one invocation.
type state struct {
	flags app.FlagOverrides
	opts  []app.Option
	app   *app.Application
}

// NewRootCmd creates the root cobra command. opts are passed to app.New.
func NewRootCmd(opts ...app.Option) *cobra.Command {
	s := &state{opts: opts}

	cmd := &cobra.Command{
		Use:           "console",
		Short:         "Command-line client for the admin console API",
		Version:       app.BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			cfg, err := app.LoadConfig(s.flags)
			if err != nil {
				return err
			}

			application, err := app.New(cmd.Context(), cfg, s.opts...)
			if err != nil {
				return err
			}
			s.app = application
			cmd.SetContext(slogx.With(
				slogx.WithContext(cmd.Context(), application.Logger()),
				"profile", cfg.Profile,
				"command", cmd.Name(),
			))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&s.flags.ConfigFile, "config", "", "Config file (default: $CONSOLE_CONFIG or the user config dir)")
	pf.StringVar(&s.flags.BaseURL, "base-url", "", "Admin API base URL")
	pf.StringVarP(&s.flags.Profile, "profile", "P", "", "Credential profile")
	pf.StringVar(&s.flags.Store, "store", "", "Credential store: memory, keyring, file, sqlite")
	pf.StringVar(&s.flags.StorePath, "store-path", "", "Path for the file and sqlite stores")
	pf.StringVar(&s.flags.Language, "lang", "", "Message language (en, zh-Hans)")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newLoginCmd(s),
		newLogoutCmd(s),
		newWhoamiCmd(s),
		newRequestCmd(s),
		newResourceCmd(s),
		newEventsCmd(s),
	)
	s.closeOnReturn(cmd)

	return cmd
}

// closeOnReturn wraps every RunE in the tree so the application is closed
// however the command ends. cobra skips post-run hooks when RunE fails.
func (s *state) closeOnReturn(c *cobra.Command) {
	if run := c.RunE; run != nil {
		c.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if cerr := s.close(); err == nil {
				err = cerr
			}
			return err
		}
	}
	for _, sub := range c.Commands() {
		s.closeOnReturn(sub)
	}
}

func (s *state) close() error {
	if s.app == nil {
		return nil
	}
	err := s.app.Close()
	s.app = nil
	return err
}

// Execute runs the root command and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := Run(ctx, NewRootCmd(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// Run executes cmd with args, printing a failure to stderr.
func Run(ctx context.Context, cmd *cobra.Command, args []string, stdout, stderr io.Writer) error {
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", describe(err))
	}
	return err
}

// describe renders an error for humans. Gateway failures already carry a
// message fit for display.
func describe(err error) string {
	gerr, ok := gateway.AsError(err)
	if !ok {
		return err.Error()
	}
	switch {
	case gerr.Kind == gateway.KindSessionExpired:
		return gerr.Message + " (run `console login`)"
	case gerr.StatusCode != 0:
		return fmt.Sprintf("%s (HTTP %d)", gerr.Message, gerr.StatusCode)
	default:
		return gerr.Message
	}
}
