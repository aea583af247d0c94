package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"mailtriage/pkg/mq"
	"mailtriage/pkg/queue"
	"mailtriage/pkg/util"

	"github.com/spf13/cobra"
)

func dlqCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Follow terminal failures published to RabbitMQ",
	}
	cmd.AddCommand(dlqWatchCmd(c))
	return cmd
}

func dlqWatchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print failures as they are published (Ctrl-C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			routingKey := "#"
			if q, _ := cmd.Flags().GetString("queue"); q != "" {
				routingKey = mq.RoutingKey(q)
			}

			// 临时独占队列，不影响其它消费者
			consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.FailureExchange, "", routingKey, c.log.Named("dlq"))
			if err != nil {
				return err
			}
			defer consumer.Close()

			consumer.SetHandler(printFailure(cmd.OutOrStdout()))
			return consumer.StartConsuming(cmd.Context())
		},
	}
	cmd.Flags().String("queue", "", "Only follow failures of this queue")
	return cmd
}

// printFailure 格式错误的消息同样确认，避免反复重投
func printFailure(out io.Writer) mq.MessageHandler {
	return func(ctx context.Context, data json.RawMessage) error {
		var f queue.TerminalFailure
		if err := json.Unmarshal(data, &f); err != nil {
			fmt.Fprintf(out, "unreadable failure: %s\n", data)
			return nil
		}
		fmt.Fprintf(out, "%s\t%s\t%s\tattempts=%d\t%s\t%s\n",
			f.FailedAt.Format(time.RFC3339), f.Queue, f.JobID, f.Attempts, f.Reason, f.LastError)
		return nil
	}
}

func tokenCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tok, err := util.GenerateServiceToken(subject, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "login-backend", "Calling service name")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
