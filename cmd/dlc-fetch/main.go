package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/dlc/internal/config"
	"github.com/breeze-rmm/dlc/internal/logging"
)

var (
	version      = "0.1.0"
	cfgFile      string
	superpackURL string
	localDir     string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:          "dlc-fetch",
	Short:        "Download packs from a DLC superpack",
	Long:         `dlc-fetch - downloads, verifies and inspects packs of a remote DLC superpack`,
	SilenceUsage: true,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <pack>...",
	Short: "Download packs and their dependencies",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runFetch(cmd.Context(), cfg, args)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the superpack's packs, dependencies and sizes as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runInspect(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how much of the superpack is downloaded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <pack>...",
	Short: "Delete the local files of packs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runRemove(cmd.Context(), cfg, args)
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <virtual-path>",
	Short: "Print a downloaded file by its mounted path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runCat(cfg, args[0], cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dlc-fetch v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze/dlc.yaml)")
	rootCmd.PersistentFlags().StringVar(&superpackURL, "url", "", "superpack URL (http, https, s3, gs, azblob or b2)")
	rootCmd.PersistentFlags().StringVar(&localDir, "dir", "", "local pack directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies flag overrides and sets up
// process logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if superpackURL != "" {
		cfg.SuperpackURL = superpackURL
	}
	if localDir != "" {
		cfg.LocalDir = localDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		logging.L("config").Warn("config validation", "error", w)
	}
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %v", result.Fatals[0])
	}
	return cfg, nil
}
