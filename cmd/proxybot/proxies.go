package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"proxybot/internal/app"
	"proxybot/internal/config"
	"proxybot/internal/proxy"
	"proxybot/internal/storage"
)

var proxiesCmd = &cobra.Command{
	Use:     "proxies",
	Aliases: []string{"proxy"},
	Short:   "Inspect and manage the proxy pool",
	Long: `Works directly on the database. Proxies added here are not announced;
use the bot's admin panel or "proxybot broadcast" for that.`,
}

var (
	activeOnly bool
	addPort    int
	addServer  string
	addSecret  string
)

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proxies with their usage counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, eng *proxy.Engine) error {
			list := eng.ListAll
			if activeOnly {
				list = eng.ListActive
			}
			ps, err := list(ctx)
			if err != nil {
				return err
			}
			printProxies(cmd.OutOrStdout(), ps)
			return nil
		})
	},
}

var proxiesAddCmd = &cobra.Command{
	Use:   "add [link] <location>",
	Short: "Register a proxy from a t.me/proxy link or explicit flags",
	Example: `  proxybot proxies add "https://t.me/proxy?server=fra.example&port=443&secret=ee00" Frankfurt
  proxybot proxies add --server fra.example --port 443 --secret ee00 Frankfurt`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := paramsFromArgs(args, addServer, addPort, addSecret)
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, eng *proxy.Engine) error {
			reg, err := eng.Register(ctx, p)
			if err != nil {
				return err
			}
			if !reg.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "already present: %s:%d\n", p.Server, p.Port)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered: #%d %s\n", reg.Proxy.ID, proxy.FormatLink(reg.Proxy))
			return nil
		})
	},
}

var proxiesUpdateCmd = &cobra.Command{
	Use:   "update <id> [link] <location>",
	Short: "Replace the connection details and location of a proxy",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		p, err := paramsFromArgs(args[1:], addServer, addPort, addSecret)
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, eng *proxy.Engine) error {
			out, err := eng.Update(ctx, id, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated: %s\n", proxy.Label(out))
			return nil
		})
	},
}

var proxiesToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Flip the active flag of a proxy",
	Args:  cobra.ExactArgs(1),
	RunE: idCommand(func(ctx context.Context, w io.Writer, eng *proxy.Engine, id int64) error {
		active, err := eng.Toggle(ctx, id)
		if err != nil {
			return err
		}
		state := "inactive"
		if active {
			state = "active"
		}
		fmt.Fprintf(w, "proxy #%d is now %s\n", id, state)
		return nil
	}),
}

var proxiesResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Zero the usage counter of a proxy",
	Args:  cobra.ExactArgs(1),
	RunE: idCommand(func(ctx context.Context, w io.Writer, eng *proxy.Engine, id int64) error {
		if err := eng.Reset(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(w, "proxy #%d usage reset\n", id)
		return nil
	}),
}

var proxiesRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a proxy and its grants",
	Args:    cobra.ExactArgs(1),
	RunE: idCommand(func(ctx context.Context, w io.Writer, eng *proxy.Engine, id int64) error {
		if err := eng.Remove(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(w, "proxy #%d removed\n", id)
		return nil
	}),
}

func init() {
	proxiesListCmd.Flags().BoolVar(&activeOnly, "active", false, "only show active proxies")
	for _, c := range []*cobra.Command{proxiesAddCmd, proxiesUpdateCmd} {
		c.Flags().StringVar(&addServer, "server", "", "proxy host (instead of a link)")
		c.Flags().IntVar(&addPort, "port", 0, "proxy port (instead of a link)")
		c.Flags().StringVar(&addSecret, "secret", "", "proxy secret (instead of a link)")
	}
	proxiesCmd.AddCommand(proxiesListCmd, proxiesAddCmd, proxiesUpdateCmd, proxiesToggleCmd, proxiesResetCmd, proxiesRemoveCmd)
	rootCmd.AddCommand(proxiesCmd)
}

func idCommand(fn func(ctx context.Context, w io.Writer, eng *proxy.Engine, id int64) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, eng *proxy.Engine) error {
			return fn(ctx, cmd.OutOrStdout(), eng, id)
		})
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid proxy id %q", s)
	}
	return id, nil
}

// paramsFromArgs accepts either "<link> <location>" or "<location>" with the
// connection details given as flags.
func paramsFromArgs(args []string, server string, port int, secret string) (proxy.Params, error) {
	var p proxy.Params
	switch {
	case len(args) == 2:
		parsed, err := proxy.ParseLink(args[0])
		if err != nil {
			return p, err
		}
		p = parsed
		p.Location = args[1]
	case server != "" || port != 0 || secret != "":
		p = proxy.Params{Server: server, Port: port, Secret: secret, Location: args[0]}
	default:
		return p, fmt.Errorf("give a proxy link or --server, --port and --secret")
	}
	return p, nil
}

func printProxies(w io.Writer, ps []proxy.Proxy) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLOCATION\tENDPOINT\tACTIVE\tUSERS")
	for _, p := range ps {
		fmt.Fprintf(tw, "%d\t%s\t%s:%d\t%t\t%d\n", p.ID, p.Location, p.Server, p.Port, p.Active, p.UsageCount)
	}
	_ = tw.Flush()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, nil
}

func loadStorageConfig() (storage.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return storage.Config{}, err
	}
	return app.StorageConfig(cfg)
}

func withEngine(ctx context.Context, fn func(context.Context, *proxy.Engine) error) error {
	sc, err := loadStorageConfig()
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, cliLog())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, proxy.NewEngine(st, cliLog()))
}
