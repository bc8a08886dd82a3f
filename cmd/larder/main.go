// larder is the offline-first encrypted content cache daemon.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	socketPath string

	// Service mode flag (hidden, set when running under a service manager)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "larder",
		Short: "Larder - offline-first encrypted content cache",
		Long: `Larder keeps an encrypted local cache of content from a remote origin
and keeps serving it when the network goes away.

QUICK START:

  # Write an example config and a store secret:
  larder init --origin https://app.example.com

  # Run the daemon in the foreground:
  larder serve --config larder.yaml

  # Or install it as a system service:
  sudo larder service install --config /etc/larder/larder.yaml

TALKING TO A RUNNING DAEMON:

  larder get docs/welcome.html     # fetch a page through the cache
  larder status                    # daemon health, entry and queue counts
  larder queue                     # list fetches waiting for connectivity
  larder offline                   # force offline mode (queues misses)

For more help on any command, use: larder <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (default: /var/run/larder.sock)")

	// Hidden service mode flag (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newAssetCmd())
	rootCmd.AddCommand(newClearCmd())
	rootCmd.AddCommand(newKVCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newOnlineCmd())
	rootCmd.AddCommand(newOfflineCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("larder %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// logStartupBanner logs the daemon startup banner with version information.
func logStartupBanner() {
	banner := `
  ██╗      █████╗ ██████╗ ██████╗ ███████╗██████╗
  ██║     ██╔══██╗██╔══██╗██╔══██╗██╔════╝██╔══██╗
  ██║     ███████║██████╔╝██║  ██║█████╗  ██████╔╝
  ██║     ██╔══██║██╔══██╗██║  ██║██╔══╝  ██╔══██╗
  ███████╗██║  ██║██║  ██║██████╔╝███████╗██║  ██║
  ╚══════╝╚═╝  ╚═╝╚═╝  ╚═╝╚═════╝ ╚══════╝╚═╝  ╚═╝
          offline-first encrypted content cache`

	fmt.Fprintln(os.Stderr, banner)
	fmt.Fprintf(os.Stderr, "\n  Version:    %s\n", Version)
	fmt.Fprintf(os.Stderr, "  Commit:     %s\n", Commit)
	fmt.Fprintf(os.Stderr, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(os.Stderr, "  Go:         %s\n", runtime.Version())
	fmt.Fprintf(os.Stderr, "  OS/Arch:    %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
}

// setupServiceLogging configures logging for service mode.
// This writes directly to a file because launchd/kardianos-service
// may not properly redirect stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/larder-service.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		// Fall back to stderr if we can't open the log file
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	// Write to both file and stderr
	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// runAsService runs the daemon under the platform service manager.
// This is called when the service manager starts the binary with --service-run.
func runAsService() {
	setupServiceLogging()
	logStartupBanner()

	// Parse the service-specific flags manually; cobra never runs here.
	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	log.Info().Str("config", configPath).Msg("starting as service")

	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultName(),
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
	}

	prg := &svc.Program{
		ConfigPath: configPath,
		Run:        runServeFromService,
	}

	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}
