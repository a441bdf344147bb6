package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/precodata/preco-cli/internal/bootstrap"
	"github.com/precodata/preco-cli/internal/collector"
	"github.com/precodata/preco-cli/internal/fetcher"
	"github.com/precodata/preco-cli/internal/model"
	"github.com/precodata/preco-cli/internal/profiles"
	"github.com/precodata/preco-cli/internal/resilience"
	"github.com/precodata/preco-cli/internal/sink"
)

var (
	collectProfile  string
	collectFuels    []string
	collectMaxPages int
	collectOut      string
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run a collection pass against the price endpoint",
	Long:  "Bootstraps a session, discovers the CSRF token, fetches each fuel category with retries and pacing, and writes JSONL batches plus manifests.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("collect"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		profile, err := resolveProfile()
		if err != nil {
			return err
		}

		fuelNames := profile.Fuels
		if len(collectFuels) > 0 {
			fuelNames = collectFuels
		}
		fuels := make([]model.Fuel, 0, len(fuelNames))
		for _, name := range fuelNames {
			f, err := model.ParseFuel(name)
			if err != nil {
				return err
			}
			fuels = append(fuels, f)
		}

		session, err := fetcher.NewSession(fetcher.Options{
			BaseURL:        cfg.Endpoint.BaseURL,
			UserAgent:      cfg.Endpoint.UserAgent,
			Timeout:        time.Duration(cfg.Endpoint.TimeoutSecs) * time.Second,
			RequestsPerSec: cfg.Endpoint.RequestsPerSec,
			Policy: resilience.FromRetryConfig(
				cfg.Retry.MaxAttempts,
				cfg.Retry.BaseBackoffSecs,
				cfg.Retry.MaxBackoffSecs,
				cfg.Retry.JitterLow,
				cfg.Retry.JitterHigh,
			),
		})
		if err != nil {
			return eris.Wrap(err, "init session")
		}

		outDir := collectOut
		if outDir == "" {
			outDir = cfg.Collect.OutDir
		}
		out := sink.New(outDir, cfg.Collect.Source)

		boot := bootstrap.New(session, bootstrap.Options{
			MaxScripts: cfg.Bootstrap.MaxScripts,
			AssetPause: time.Duration(cfg.Pacing.AssetPauseMS) * time.Millisecond,
		})

		runner := collector.NewRunner(session, boot, out, collectorOptions(profile))

		zap.L().Info("collection starting",
			zap.String("base_url", cfg.Endpoint.BaseURL),
			zap.Strings("fuels", fuelNames),
			zap.String("out_dir", outDir),
		)

		overall, err := runner.Run(ctx, fuels)
		if err != nil {
			return eris.Wrap(err, "collection run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(overall)
	},
}

// resolveProfile loads the requested profile, tolerating a missing
// profiles file when only the built-in default is wanted.
func resolveProfile() (profiles.Profile, error) {
	var file *profiles.File
	if cfg.Collect.ProfilesFile != "" {
		f, err := profiles.Load(cfg.Collect.ProfilesFile)
		if err != nil {
			if !os.IsNotExist(eris.Cause(err)) {
				return profiles.Profile{}, err
			}
		} else {
			file = f
		}
	}

	p, err := file.Get(collectProfile)
	if err != nil {
		return profiles.Profile{}, err
	}
	if len(p.Fuels) == 0 {
		p.Fuels = cfg.Collect.Fuels
	}
	return p, nil
}

// collectorOptions merges config defaults with profile overrides and
// the --max-pages flag.
func collectorOptions(p profiles.Profile) collector.Options {
	opts := collector.Options{
		PricesPath: cfg.Endpoint.PricesPath,
		Source:     cfg.Collect.Source,
		Horas:      cfg.Query.Horas,
		Latitude:   cfg.Query.Latitude,
		Longitude:  cfg.Query.Longitude,
		Raio:       cfg.Query.Raio,
		Ordenar:    cfg.Query.Ordenar,
		MaxPages:   cfg.Collect.MaxPages,
		PauseMin:   secs(cfg.Pacing.PauseMinSecs),
		PauseMax:   secs(cfg.Pacing.PauseMaxSecs),
	}
	if p.Horas > 0 {
		opts.Horas = p.Horas
	}
	if p.Latitude != 0 {
		opts.Latitude = p.Latitude
	}
	if p.Longitude != 0 {
		opts.Longitude = p.Longitude
	}
	if p.Raio > 0 {
		opts.Raio = p.Raio
	}
	if p.Ordenar != "" {
		opts.Ordenar = p.Ordenar
	}
	if p.MaxPages > 0 {
		opts.MaxPages = p.MaxPages
	}
	if collectMaxPages > 0 {
		opts.MaxPages = collectMaxPages
	}
	return opts
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func init() {
	collectCmd.Flags().StringVar(&collectProfile, "profile", profiles.DefaultName, "collection profile name")
	collectCmd.Flags().StringSliceVar(&collectFuels, "fuels", nil, "override fuel list (comma-separated)")
	collectCmd.Flags().IntVar(&collectMaxPages, "max-pages", 0, "max pages per category (0 = config default)")
	collectCmd.Flags().StringVar(&collectOut, "out", "", "output directory (default from config)")
	rootCmd.AddCommand(collectCmd)
}
