package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mixelka/devmonkey/internal/handshake"
	"github.com/mixelka/devmonkey/internal/remote"
)

func newLoginCmd(a *app) *cobra.Command {
	var (
		username  string
		appID     int
		appSecret string
		phone     string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize an external account interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := a.database(ctx)
			if err != nil {
				return err
			}
			box, err := a.secretBox()
			if err != nil {
				return err
			}
			user, err := db.GetUserByUsername(ctx, username)
			if err != nil {
				return fmt.Errorf("failed to find user %q: %w", username, err)
			}

			svc := handshake.NewService(handshake.Config{
				TTL:      a.cfg.HandshakeTTL,
				Capacity: a.cfg.HandshakeCapacity,
			}, a.gateway(), db, box, a.logger)
			defer svc.Close()

			started, err := svc.Start(ctx, user.ID, appID, appSecret, phone)
			if err != nil {
				if wait, ok := remote.RetryAfter(err); ok {
					return fmt.Errorf("too many attempts, retry in %s", wait)
				}
				return err
			}

			in := bufio.NewReader(os.Stdin)
			fmt.Fprintf(os.Stderr, "Code sent to %s (valid for %s)\n", phone, started.CodeTimeout)

			var result *handshake.Result
			for result == nil {
				code, err := prompt(in, "Code: ")
				if err != nil {
					return err
				}
				if extracted, ok := handshake.ExtractCode(code); ok {
					code = extracted
				}

				result, err = svc.SubmitCode(ctx, started.ID, code)
				switch {
				case errors.Is(err, remote.ErrInvalidCode):
					fmt.Fprintln(os.Stderr, "Invalid code, try again")
				case errors.Is(err, remote.ErrSecondFactorRequired):
					result, err = secondFactor(ctx, svc, started.ID, in)
					if err != nil {
						return err
					}
				case err != nil:
					return err
				}
			}

			return printJSON(map[string]any{
				"account_id":  result.AccountID,
				"external_id": result.User.ID,
				"username":    result.User.Handle,
			})
		},
	}

	cmd.Flags().StringVar(&username, "user", "", "owner username")
	cmd.Flags().IntVar(&appID, "app-id", 0, "application id")
	cmd.Flags().StringVar(&appSecret, "app-secret", "", "application secret")
	cmd.Flags().StringVar(&phone, "phone", "", "account phone number")
	for _, name := range []string{"user", "app-id", "app-secret", "phone"} {
		cmd.MarkFlagRequired(name)
	}

	return cmd
}

func secondFactor(ctx context.Context, svc *handshake.Service, id string, in *bufio.Reader) (*handshake.Result, error) {
	for {
		password, err := prompt(in, "Password: ")
		if err != nil {
			return nil, err
		}

		result, err := svc.SubmitSecondFactor(ctx, id, password)
		if errors.Is(err, remote.ErrInvalidSecondFactor) {
			fmt.Fprintln(os.Stderr, "Wrong password, try again")
			continue
		}
		return result, err
	}
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
