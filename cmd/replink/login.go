package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [cookie]",
		Short: "Store the session cookie used to reach workspaces",
		Long:  "Stores the value of your connect.sid cookie. Without an argument the cookie is read from the terminal without echo.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var cookie string
			if len(args) == 1 {
				cookie = args[0]
			} else {
				cookie, err = readSecret(cmd, "Session cookie (connect.sid): ")
				if err != nil {
					return err
				}
			}
			cookie = strings.TrimSpace(cookie)
			if cookie == "" {
				return fmt.Errorf("empty cookie")
			}
			if err := a.creds.SetSessionCookie(cookie); err != nil {
				return err
			}
			fmt.Fprint(a.out, a.render.Info("logged in, credentials saved to "+a.creds.Path))
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.creds.Delete(); err != nil {
				return err
			}
			fmt.Fprint(a.out, a.render.Info("logged out"))
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [token]",
		Short: "Store a human verification token for the next connection",
		Long:  "Stores a token from the verification challenge. A replink waiting in another terminal picks it up and retries.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				token, err = readSecret(cmd, "Verification token: ")
				if err != nil {
					return err
				}
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return fmt.Errorf("empty token")
			}
			if err := a.creds.SetVerificationToken(token); err != nil {
				return err
			}
			fmt.Fprint(a.out, a.render.Info("verification token saved"))
			return nil
		},
	}
}

// readSecret prompts on stderr and reads a line, without echo when stdin
// is a terminal.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if isTerminal(os.Stdin) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return line, nil
}
