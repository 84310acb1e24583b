package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luminet/guigate/config"
	"github.com/luminet/guigate/fabric"
	"github.com/luminet/guigate/gateway"
	"github.com/luminet/guigate/logger"
	"github.com/luminet/guigate/version"
)

var (
	configPath string
	jsonLogs   bool
)

var rootCmd = &cobra.Command{
	Use:   "guigate",
	Short: "guigate - GUI gateway for the control fabric",
	Long: `guigate mediates between GUI clients and the distributed control system.

It centrally manages updates from the control fabric and pushes them to
connected clients; conversely it forwards client requests to instances on
the fabric and bridges their asynchronous replies.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the GUI gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log := logger.Logger

		hub := fabric.NewHub(log.Named("fabric"))
		srv := gateway.New(cfg, hub, log)

		if configPath != "" {
			watcher, err := config.NewWatcher(configPath)
			if err != nil {
				log.Warnw("Config hot-reload unavailable", "error", err)
			} else {
				watcher.OnReload(srv.ApplyConfig)
				watcher.Start()
				defer watcher.Close()
			}
		}

		if err := srv.Start(); err != nil {
			return err
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		log.Infow("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get().String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the gateway config file")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON structured logs")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
