package commands

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/nixl/internal/config"

	// Engines register themselves with the backend registry.
	_ "github.com/piwi3910/nixl/internal/backend/obj"
	_ "github.com/piwi3910/nixl/internal/backend/ucx"
)

var (
	version = "dev"

	configPath  string
	debug       bool
	metricsAddr string

	cfg *config.Config
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nixl-test",
		Short: "Test driver for the NIXL data-movement engines",
		Long: `nixl-test exercises the backend engines end to end: object-storage
write/read/verify flows and in-process network transfers between two
agents. All commands exit 0 on success and 1 on any failure.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			var err error

			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}

			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}

			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")

	cmd.AddCommand(newObjCmd())
	cmd.AddCommand(newUcxCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the command tree.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("test failed")
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("serving metrics")

	if err := srv.ListenAndServe(); err != nil {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("nixl-test %s\n", version)
		},
	}
}
