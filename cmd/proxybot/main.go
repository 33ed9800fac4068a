// Command proxybot runs the proxy distribution bot and its admin tooling.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "proxybot",
	Short: "Telegram bot that hands out MTProto proxies",
	Long: `proxybot keeps a pool of MTProto proxies, assigns each user the
least loaded one and announces newly added proxies to every known user.

Run "proxybot serve" to start the bot. The remaining commands work on the
same database while the bot is running or stopped.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the YAML config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
