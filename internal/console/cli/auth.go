package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLoginCmd(s *state) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())

			if username == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Username: ")
				line, err := readLine(in)
				if err != nil {
					return err
				}
				username = line
			}
			if password == "" {
				password = os.Getenv("CONSOLE_PASSWORD")
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				pw, err := readPassword(cmd.InOrStdin(), in)
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				password = pw
			}

			resp, err := s.app.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (profile %s)\n", resp.Username, s.app.Config().Profile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted when empty)")
	cmd.Flags().StringVar(&password, "password", "", "Password (default: $CONSOLE_PASSWORD, else prompted)")
	return cmd
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readPassword reads without echo from a terminal, or a plain line otherwise.
func readPassword(raw io.Reader, buffered *bufio.Reader) (string, error) {
	if f, ok := raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	return readLine(buffered)
}

func newLogoutCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.app.Console().Auth.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func newWhoamiCmd(s *state) *cobra.Command {
	var (
		remote  bool
		history int
		jq      string
	)

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			sess, ok := s.app.Session()
			if !ok {
				return errors.New("not signed in (run `console login`)")
			}

			fmt.Fprintf(out, "Profile:  %s\n", sess.Profile)
			if sess.Username != "" {
				fmt.Fprintf(out, "Username: %s\n", sess.Username)
			}
			if sess.BaseURL != "" {
				fmt.Fprintf(out, "Server:   %s\n", sess.BaseURL)
			}
			fmt.Fprintf(out, "Token:    %s\n", sess.Token)
			if !sess.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "Expires:  %s\n", sess.ExpiresAt.Local().Format(time.RFC3339))
			}

			if history > 0 {
				entries, err := s.app.History(cmd.Context(), history)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "History:")
				for _, e := range entries {
					fmt.Fprintf(out, "  %s  %s\n", e.WrittenAt.Local().Format(time.RFC3339), e.TokenID)
				}
			}

			if remote {
				env, err := s.app.Console().Client.Get(cmd.Context(), "/me/profile", nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.Context(), out, env.Data, jq)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Also fetch the profile from the server")
	cmd.Flags().IntVar(&history, "history", 0, "Show the last N stored tokens (sqlite store only)")
	cmd.Flags().StringVar(&jq, "jq", "", "Filter the remote profile with a jq expression")
	return cmd
}
