package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"droidpilot/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// cliOptions are the persistent flags shared by every command
type cliOptions struct {
	configFile string
	dataDir    string
	logLevel   string
	adbPath    string

	// Loaded configuration
	cfg *Config
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "droidpilot",
		Short: "Perform semantic actions on Android devices over adb",
		Long: `droidpilot turns requests like "toggle the flashlight" or "open a chat
with Mom" into the adb commands that work on the attached device, trying
fallbacks in order and learning which command families each device accepts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.configFile)
			if err != nil {
				return err
			}
			if opts.dataDir != "" {
				cfg.moveDataDir(ExpandPathWithTilde(opts.dataDir))
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			if opts.adbPath != "" {
				cfg.Transport.ADBPath = opts.adbPath
			}
			opts.cfg = cfg
			return logger.Init(cfg.Log)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is ~/.droidpilot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "directory for snapshots and logs")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&opts.adbPath, "adb", "", "path to the adb binary (default: search PATH)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newPerformCmd(opts),
		newSayCmd(opts),
		newHealthCmd(opts),
		newDevicesCmd(opts),
		newActionsCmd(opts),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
