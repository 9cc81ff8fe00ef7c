package main

import (
	"bufio"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mixelka/devmonkey/internal/secret"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage operators",
	}

	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an operator; the password is read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.database(ctx)
			if err != nil {
				return err
			}

			password, err := prompt(bufio.NewReader(os.Stdin), "Password: ")
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("password must not be empty")
			}

			hash, err := secret.HashPassword(password)
			if err != nil {
				return err
			}
			user, err := db.CreateUser(ctx, args[0], hash)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"id": user.ID, "username": user.Username})
		},
	}

	cmd.AddCommand(create)
	return cmd
}

func newAccountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect external accounts",
	}

	var username string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the accounts of an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.database(ctx)
			if err != nil {
				return err
			}
			user, err := db.GetUserByUsername(ctx, username)
			if err != nil {
				return fmt.Errorf("failed to find user %q: %w", username, err)
			}
			accounts, err := db.ListAccountsByUser(ctx, user.ID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPHONE\tUSERNAME\tSTATUS\tAUTHORIZED")
			for _, acc := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", acc.ID, acc.Phone, acc.Handle, acc.Status, acc.IsAuthorized)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&username, "user", "", "owner username")
	list.MarkFlagRequired("user")

	cmd.AddCommand(list)
	return cmd
}
