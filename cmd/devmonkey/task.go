package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mixelka/devmonkey/internal/dispatch"
	"github.com/mixelka/devmonkey/pkg/models"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskGetCmd(a),
		newTaskListCmd(a),
		newTaskCancelCmd(a),
	)
	return cmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var (
		accountID string
		observer  int64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a task for an account",
	}
	cmd.PersistentFlags().StringVar(&accountID, "account", "", "account id")
	cmd.PersistentFlags().Int64Var(&observer, "notify-chat", 0, "chat id to notify on state changes")
	cmd.MarkPersistentFlagRequired("account")

	submit := func(cmd *cobra.Command, params models.TaskParams) error {
		ctx := cmd.Context()

		db, err := a.database(ctx)
		if err != nil {
			return err
		}
		queue, err := a.queue(ctx)
		if err != nil {
			return err
		}
		if _, err := db.GetAccountByID(ctx, accountID); err != nil {
			return fmt.Errorf("failed to find account %s: %w", accountID, err)
		}

		task, err := dispatch.NewDispatcher(db, queue, a.logger).Submit(ctx, accountID, params, observer)
		if err != nil {
			return err
		}
		return printJSON(task)
	}

	var links []string
	join := &cobra.Command{
		Use:   "join",
		Short: "Join chats by link or handle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, models.JoinChatsParams{Links: append(links, args...)})
		},
	}
	join.Flags().StringSliceVar(&links, "link", nil, "chat link, repeatable")

	var minutes int
	warmup := &cobra.Command{
		Use:   "warmup",
		Short: "Browse and join public channels for a while",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, models.WarmupParams{DurationMinutes: minutes})
		},
	}
	warmup.Flags().IntVar(&minutes, "minutes", 60, "duration in minutes")

	var (
		chats     []int64
		reactions []string
		delay     int
	)
	react := &cobra.Command{
		Use:   "reactions",
		Short: "React to recent messages in chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, models.ReactionsParams{ChatIDs: chats, Reactions: reactions, DelaySeconds: delay})
		},
	}
	react.Flags().Int64SliceVar(&chats, "chat", nil, "chat id, repeatable")
	react.Flags().StringSliceVar(&reactions, "reaction", nil, "reaction emoji, repeatable")
	react.Flags().IntVar(&delay, "delay", 5, "seconds between reactions")

	var firstName, lastName, bio, username string
	profile := &cobra.Command{
		Use:   "profile",
		Short: "Edit profile fields; only the given flags are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			var p models.EditProfileParams
			flags := cmd.Flags()
			if flags.Changed("first-name") {
				p.FirstName = &firstName
			}
			if flags.Changed("last-name") {
				p.LastName = &lastName
			}
			if flags.Changed("bio") {
				p.Bio = &bio
			}
			if flags.Changed("username") {
				p.Username = &username
			}
			return submit(cmd, p)
		},
	}
	profile.Flags().StringVar(&firstName, "first-name", "", "first name")
	profile.Flags().StringVar(&lastName, "last-name", "", "last name")
	profile.Flags().StringVar(&bio, "bio", "", "bio text")
	profile.Flags().StringVar(&username, "username", "", "public username")

	cmd.AddCommand(join, warmup, react, profile)
	return cmd
}

func newTaskGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database(cmd.Context())
			if err != nil {
				return err
			}
			task, err := db.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
}

func newTaskListCmd(a *app) *cobra.Command {
	var (
		username string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tasks of a user's accounts, newest first",
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
			tasks, err := db.ListTasksByOwner(ctx, user.ID, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACCOUNT\tKIND\tSTATUS\tPROGRESS\tCREATED")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
					t.ID, t.AccountID, t.Kind, t.Status, t.Progress, t.CreatedAt.Format("02.01.2006 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "owner username")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newTaskCancelCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.CancelTask(cmd.Context(), args[0], reason); err != nil {
				return fmt.Errorf("failed to cancel task: %w", err)
			}
			fmt.Fprintln(os.Stderr, "Task cancelled; a running worker stops before its next step")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the task")
	return cmd
}
