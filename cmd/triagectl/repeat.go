package main

import (
	"fmt"
	"time"

	"mailtriage/internal/pipeline"
	"mailtriage/internal/registry"
	"mailtriage/pkg/queue"

	"github.com/spf13/cobra"
)

func repeatCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repeat",
		Short: "Inspect or cancel per-user fetch registrations",
	}
	cmd.AddCommand(repeatListCmd(c), repeatCancelCmd(c))
	return cmd
}

func repeatListCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fetch registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			infra, err := c.open(cmd)
			if err != nil {
				return err
			}
			regs, err := infra.Store.ListRepeating(cmd.Context(), pipeline.FetchQueue)
			if err != nil {
				return fmt.Errorf("failed to list registrations: %w", err)
			}
			if user, _ := cmd.Flags().GetString("user"); user != "" {
				regs = registry.Owned(regs, user)
			}

			out := cmd.OutOrStdout()
			if len(regs) == 0 {
				fmt.Fprintln(out, "No fetch registrations found")
				return nil
			}
			fmt.Fprintln(out, "USER\tKEY\tSCHEDULE\tNEXT")
			for _, r := range regs {
				user, _ := registry.UserID(r.Key)
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", user, r.Key, schedule(r), r.Next.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().String("user", "", "Only show registrations owned by this user id")
	return cmd
}

func repeatCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <user-id>",
		Short: "Cancel the recurring fetch of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infra, err := c.open(cmd)
			if err != nil {
				return err
			}
			removed, err := registry.New(infra.Store, pipeline.FetchQueue, infra.Logger).Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d registration(s) for %s\n", removed, args[0])
			return nil
		},
	}
}

func schedule(r queue.RepeatableJob) string {
	if r.Pattern != "" {
		return "cron " + r.Pattern
	}
	return "every " + r.Every.String()
}
