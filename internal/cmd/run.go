package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/host"
	"github.com/Iron-Ham/switchyard/internal/unit"
)

func newRunCmd() *cobra.Command {
	var (
		urls          []string
		statsInterval time.Duration
		duration      time.Duration
		importFile    string
		exportFile    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a host until interrupted",
		Long: `Boot a host with the simulated rendering engine, open the given units and
keep it running until interrupted. On exit every unit is suspended, every
process destroyed and every channel closed.

Edits to the config file's suspension section are applied while running.`,
		Example: `  switchyard run --open https://example.com --open https://go.dev
  switchyard run --import space.yaml --stats-interval 10s
  switchyard run --open https://example.com --duration 1m --export space.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			h, err := bootHost(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = h.Shutdown(context.Background()) }()
			if viper.ConfigFileUsed() != "" {
				h.WatchConfig()
			}

			out := cmd.OutOrStdout()
			if importFile != "" {
				sp, err := importSpace(ctx, h, importFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Imported space %q from %s\n", sp.Name, importFile)
			}
			if err := openUnits(ctx, h, urls); err != nil {
				return err
			}
			fmt.Fprintf(out, "Host running with %d units. Press Ctrl+C to stop.\n", len(h.Units().List()))

			wait, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				wait, cancel = context.WithTimeout(wait, duration)
				defer cancel()
			}

			var tick <-chan time.Time
			if statsInterval > 0 {
				t := time.NewTicker(statsInterval)
				defer t.Stop()
				tick = t.C
			}
			for wait.Err() == nil {
				select {
				case <-wait.Done():
				case <-tick:
					if err := printStats(cmd, h, false); err != nil {
						return err
					}
				}
			}

			// The wait context is done; finish with a fresh one.
			final := context.Background()
			if exportFile != "" {
				if err := exportSpace(final, h, exportFile); err != nil {
					return err
				}
				fmt.Fprintf(out, "Exported space to %s\n", exportFile)
			}
			if err := printStats(cmd, h, false); err != nil {
				return err
			}
			if err := h.Shutdown(final); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			fmt.Fprintln(out, "Host stopped.")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&urls, "open", nil, "URL to open as a unit (repeatable)")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", 0, "print stats at this interval (0 disables)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&importFile, "import", "", "import a space export (.json, .yaml or .toml) before opening units")
	cmd.Flags().StringVar(&exportFile, "export", "", "export the current space to this file on exit")
	return cmd
}

func bootHost(ctx context.Context, cfg *config.Config) (*host.Host, error) {
	h := host.New(cfg)
	if err := h.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to start host: %w", err)
	}
	return h, nil
}

func openUnits(ctx context.Context, h *host.Host, urls []string) error {
	for i, url := range urls {
		// The first URL takes focus; the rest open in the background.
		if _, err := h.Units().CreateUnit(ctx, url, unit.CreateOptions{Background: i > 0}); err != nil {
			return fmt.Errorf("failed to open %s: %w", url, err)
		}
	}
	return nil
}

func formatOf(path string) (unit.Format, error) {
	return unit.ParseFormat(strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}

func importSpace(ctx context.Context, h *host.Host, path string) (unit.Space, error) {
	format, err := formatOf(path)
	if err != nil {
		return unit.Space{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return unit.Space{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return h.Units().ImportSpace(ctx, data, format)
}

func exportSpace(ctx context.Context, h *host.Host, path string) error {
	format, err := formatOf(path)
	if err != nil {
		return err
	}
	data, err := h.Units().ExportSpace(ctx, h.Units().CurrentSpace().ID, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
