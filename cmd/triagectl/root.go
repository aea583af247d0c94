package main

import (
	"fmt"

	"mailtriage/internal/app"
	"mailtriage/internal/config"
	"mailtriage/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cli 惰性建立连接，只有真正需要存储的子命令才会连 Redis/Postgres
type cli struct {
	cfg   *config.Config
	log   *zap.Logger
	infra *app.Infra
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		c.cfg = cfg
	}
	if c.log == nil {
		c.log = logger.NewLogger(c.cfg.Log.Level)
	}
	return c.cfg, nil
}

func (c *cli) open(cmd *cobra.Command) (*app.Infra, error) {
	if c.infra != nil {
		return c.infra, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Driver != config.DriverRedis {
		return nil, fmt.Errorf("triagectl needs the redis queue driver, got %q", cfg.Queue.Driver)
	}
	infra, err := app.Open(cmd.Context(), cfg, c.log)
	if err != nil {
		return nil, err
	}
	c.infra = infra
	return infra, nil
}

func (c *cli) close() {
	if c.infra != nil {
		c.infra.Close()
	}
	if c.log != nil {
		_ = c.log.Sync()
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "Operate the mail triage job queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(repeatCmd(c))
	root.AddCommand(statsCmd(c))
	root.AddCommand(failuresCmd(c))
	root.AddCommand(dlqCmd(c))
	root.AddCommand(tokenCmd(c))
	return root
}
