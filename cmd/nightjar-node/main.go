// Command nightjar-node is a demo peer process. It loads (or interactively
// collects) a workspace key and relay URL from a TOML config, joins a
// workspace mesh, and pipes sync updates between the mesh and stdin/stdout
// (tab-separated doc id and plaintext lines in, JSON lines out) so the mesh
// core can be exercised end to end without a real CRDT engine attached.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuuji/nightjar/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nightjar-node",
	Short: "Demo peer for the nightjar mesh core",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nightjar-node version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/nightjar/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(leaveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolvedConfigPath returns the config file path, using the global flag if
// set, otherwise the default system path (/etc/nightjar/config.toml).
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}
