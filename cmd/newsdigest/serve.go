package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/newsdigest/internal/config"
	"github.com/TobiSchelling/newsdigest/internal/logging"
	"github.com/TobiSchelling/newsdigest/internal/scheduler"
	"github.com/TobiSchelling/newsdigest/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the digest scheduler and the web viewer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := buildComponents(ctx, true)
		if err != nil {
			return err
		}
		defer c.db.Close()

		sched := scheduler.New(c.db, c.pipe, c.source, scheduler.Config{
			Cadences:     cfg.Cadences(),
			Tolerance:    cfg.Scheduler.Tolerance,
			RunTimeout:   cfg.Scheduler.RunTimeout,
			FetchTimeout: cfg.Feeds.Timeout,
		}, logging.Component(logger, "scheduler"))
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		srv, err := server.New(c.db, sched, server.Options{ShowPrivate: cfg.Server.ShowPrivate},
			logging.Component(logger, "server"))
		if err != nil {
			return err
		}

		go func() {
			err := config.Watch(ctx, resolvedPath, func(next *config.Config) {
				applyLiveConfig(c, next)
			}, logging.Component(logger, "config"))
			if err != nil {
				logger.Warn().Err(err).Msg("config watch stopped")
			}
		}()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port))

		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logger.Warn().Err(err).Msg("systemd notify failed")
		} else if ok {
			logger.Debug().Msg("notified systemd")
		}
		defer daemon.SdNotify(false, daemon.SdNotifyStopping)

		fmt.Printf("Serving digests at http://%s\n", addr)
		fmt.Println("Press Ctrl+C to stop")
		return srv.Serve(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// applyLiveConfig applies the settings that can change without a restart:
// the feed list and the log level.
func applyLiveConfig(c *components, next *config.Config) {
	c.feeds.SetFeeds(feedConfigs(next))
	c.source.Invalidate()
	logging.SetLevel(next.Logging.Level)
	logger.Info().Int("feeds", len(next.Feeds.URLs)).Str("level", next.Logging.Level).Msg("live config applied")
}
