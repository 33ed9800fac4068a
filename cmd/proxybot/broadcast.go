package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proxybot/internal/app"
	"proxybot/internal/bot"
	"proxybot/internal/config"
	"proxybot/internal/notifier/broadcast"
	"proxybot/internal/proxy"
	"proxybot/internal/storage"
	kit "proxybot/internal/transport"
	telegram "proxybot/internal/transport/telegram/adapter"
)

var (
	broadcastText     string
	broadcastAnnounce int64
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Send a message to every known user and report delivery",
	Long: `Sends one message to every user the bot has seen, one at a time with
the configured gap between sends. Interrupting stops the run; users already
reached keep their message. Use --announce to repeat the "new proxy"
announcement for an existing proxy.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (broadcastText == "") == (broadcastAnnounce == 0) {
			return errors.New("exactly one of --text or --announce is required")
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc, err := app.StorageConfig(cfg)
		if err != nil {
			return err
		}
		bc, err := app.BroadcastConfig(cfg)
		if err != nil {
			return err
		}
		st, err := storage.Open(ctx, sc, cliLog())
		if err != nil {
			return err
		}
		defer st.Close()
		eng := proxy.NewEngine(st, cliLog())

		text, opt := broadcastText, (*kit.SendOptions)(nil)
		if broadcastAnnounce != 0 {
			p, err := eng.Get(ctx, broadcastAnnounce)
			if err != nil {
				return err
			}
			text, opt = bot.AnnouncementText(p), bot.AnnouncementOptions()
		}

		clients, err := eng.Clients(ctx)
		if err != nil {
			return err
		}
		sender, err := newSender(cfg)
		if err != nil {
			return err
		}
		n := broadcast.NewNotifier(sender, bc.Gap, cliLog(), nil)

		start := time.Now()
		rep := n.Broadcast(ctx, text, clients, opt)
		fmt.Fprintf(cmd.OutOrStdout(), "delivered %d of %d (%d recipients known) in %s\n",
			rep.Delivered, rep.Attempted, len(clients), time.Since(start).Round(time.Millisecond))
		if ctx.Err() != nil {
			return errors.New("interrupted")
		}
		return nil
	},
}

func init() {
	broadcastCmd.Flags().StringVarP(&broadcastText, "text", "t", "", "message text")
	broadcastCmd.Flags().Int64Var(&broadcastAnnounce, "announce", 0, "re-announce the proxy with this id")
	rootCmd.AddCommand(broadcastCmd)
}

func newSender(cfg *config.Config) (kit.Sender, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: timeout}, cliLog())
}
