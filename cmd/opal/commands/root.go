// Package commands provides the CLI commands for Opal.
package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/matteing/opal/internal/config"
	"github.com/matteing/opal/internal/logging"
	"github.com/matteing/opal/internal/rpc"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs   bool
	logLevel    string
	logFile     bool
	showConfig  bool
	globalModel string
	debugHTTP   string
)

var rootCmd = &cobra.Command{
	Use:   "opal",
	Short: "Opal - a coding-agent runtime core",
	Long: `Opal runs the agent loop, message store, and tool execution for a
coding assistant, speaking newline-delimited JSON-RPC over stdio so any
client (CLI, editor plugin, bot) can drive it.

Run 'opal' with no subcommand to serve the stdio RPC transport.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Initialize logging based on flags
		logCfg := logging.Config{
			Level:       logging.ParseLevel(logLevel),
			Output:      os.Stderr,
			Pretty:      printLogs,
			LogToFile:   logFile,
			MaxLogFiles: 20,
		}

		if !printLogs && !logFile {
			// Disable logging output by default (only show fatal errors)
			logCfg.Level = logging.FatalLevel
		}

		logging.Init(logCfg)

		// Log startup info if file logging is enabled
		if logFile {
			logging.Info().
				Str("version", Version).
				Str("logFile", logging.GetLogFilePath()).
				Msg("opal started with file logging")
		}

		// Handle --show-config flag
		if showConfig {
			dir, err := os.Getwd()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
				os.Exit(1)
			}

			cfg, err := config.Load(dir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}

			jsonData, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error marshaling config: %v\n", err)
				os.Exit(1)
			}

			fmt.Println(string(jsonData))
			os.Exit(0)
		}
	},
	// With no subcommand, serve the stdio JSON-RPC transport.
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := GetWorkDir("")
		if err != nil {
			return err
		}
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}
		if m := GetGlobalModel(); m != "" {
			cfg.Model = m
		}
		server, err := rpc.NewServer(dir, cfg)
		if err != nil {
			return err
		}
		if debugHTTP != "" {
			go func() {
				if err := http.ListenAndServe(debugHTTP, server.DebugHandler()); err != nil {
					logging.Warn().Err(err).Str("addr", debugHTTP).Msg("debug http server stopped")
				}
			}()
		}
		return server.Serve(cmd.Context(), os.Stdin, os.Stdout)
	},
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to /tmp/opal-YYYYMMDD-HHMMSS.log")
	rootCmd.PersistentFlags().BoolVar(&showConfig, "show-config", false, "Print merged configuration as JSON and exit")
	rootCmd.PersistentFlags().StringVarP(&globalModel, "model", "m", "", "Model to use (provider/model format)")
	rootCmd.PersistentFlags().StringVar(&debugHTTP, "debug-http", "", "Address (e.g. :7777) to serve an optional debug HTTP surface on, in addition to the stdio RPC transport")

	// Version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("opal %s (%s)\n", Version, BuildTime))

	// Add subcommands
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(debugCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// GetGlobalModel returns the global model flag value.
func GetGlobalModel() string {
	return globalModel
}
