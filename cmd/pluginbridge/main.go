package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"pluginbridge/pkg/build"
	"pluginbridge/pkg/server"
)

var (
	configFile string
	verbosity  string

	rootCmd = &cobra.Command{
		Use:   "pluginbridge",
		Short: "Plugin orchestration core for an intercepting proxy",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			SetupLogging(verbosity)
		},
		RunE: serve,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin registry, workers and admin API",
		RunE:  serve,
	}

	pluginsCmd = &cobra.Command{
		Use:   "plugins",
		Short: "Discover installed plugins once and list them",
		RunE:  listPlugins,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build details",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(build.String())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yml", "configuration file (.yml, .yaml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&verbosity, "verbose", "v", "info", "log level")

	rootCmd.AddCommand(serveCmd, pluginsCmd, versionCmd)
}

func SetupLogging(level string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Panic().Err(err).Msgf("Failed to parse log level: %s", level)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(logLevel).With().Timestamp().Logger().With().Caller().Logger()
}

func serve(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Plugin Bridge - plugins for an intercepting proxy.")
	log.Info().Msgf("Build Version: %v Date: %v", build.Data().Version, build.Data().Date)

	pSvr := server.NewBridgeServer()
	if err := pSvr.Init(configFile); err != nil {
		return xerrors.Errorf("failed to initialize %s server: %w", pSvr.Name, err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- pSvr.Start()
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			return xerrors.Errorf("%s server failure: %w", pSvr.Name, err)
		}
		return nil
	case <-c:
	}

	log.Info().Msg("All services stopping...")
	if err := pSvr.Stop(); err != nil {
		log.Warn().Err(err).Msg("shutdown failure")
	}

	log.Info().Msg("goodbye")
	return nil
}

func listPlugins(cmd *cobra.Command, args []string) error {
	pSvr := server.NewBridgeServer()
	if err := pSvr.Init(configFile); err != nil {
		return xerrors.Errorf("failed to initialize %s server: %w", pSvr.Name, err)
	}
	defer pSvr.Stop()

	if err := pSvr.Registry.Refresh(context.Background()); err != nil {
		return xerrors.Errorf("plugin discovery failure: %w", err)
	}

	props := pSvr.Registry.Properties()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tENABLED\tPATH")
	for _, p := range pSvr.Registry.All() {
		enabled := !props.AllDisabled() && !props.Disabled(p.Name)
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.Name, p.Version, enabled, p.Path)
	}

	return w.Flush()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
