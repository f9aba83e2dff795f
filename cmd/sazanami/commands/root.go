package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sazanami",
	Short: "High-performance UDP BitTorrent tracker",
	Long: `Sazanami is a high-throughput BitTorrent tracker built around the UDP
tracker protocol, with optional HTTP and WebTorrent (WebSocket) frontends
sharing the same swarm state. Swarms are partitioned across independently
owned shards, so the hot path runs without locks.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults)")
}
