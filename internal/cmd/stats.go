package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/host"
	"github.com/Iron-Ham/switchyard/internal/supervisor"
)

func newStatsCmd() *cobra.Command {
	var (
		urls   []string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Boot a host, open units and print its statistics",
		Long: `Boot a host with the simulated rendering engine, open the given units,
print a snapshot of units, processes, memory and performance, then shut
the host down.`,
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

			if err := openUnits(ctx, h, urls); err != nil {
				return err
			}
			// Usage is otherwise only sampled on the monitor cadence.
			h.Supervisor().MonitorProcesses(ctx)
			if err := h.Bus().Flush(ctx); err != nil {
				return err
			}
			return printStats(cmd, h, asJSON)
		},
	}

	cmd.Flags().StringSliceVar(&urls, "open", nil, "URL to open as a unit (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output statistics as JSON")
	return cmd
}

func printStats(cmd *cobra.Command, h *host.Host, asJSON bool) error {
	st, err := h.Stats()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode stats: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	renderStats(out, st, isTerminal(out))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type palette struct {
	title lipgloss.Style
	label lipgloss.Style
	warn  lipgloss.Style
}

func newPalette(styled bool) palette {
	if !styled {
		return palette{title: lipgloss.NewStyle(), label: lipgloss.NewStyle(), warn: lipgloss.NewStyle()}
	}
	return palette{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		warn:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
}

const statsWidth = 50

func renderStats(w io.Writer, st host.Stats, styled bool) {
	p := newPalette(styled)
	section := func(name string) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, p.title.Render(name))
		fmt.Fprintln(w, strings.Repeat("─", statsWidth))
	}
	row := func(name string, value any) {
		fmt.Fprintf(w, "%s %v\n", p.label.Render(fmt.Sprintf("%-20s", name+":")), value)
	}

	section("UNITS")
	row("Total", st.Units.Units)
	row("Active", st.Units.Active)
	row("Suspended", st.Units.Suspended)
	row("Pinned", st.Units.Pinned)
	row("Spaces", st.Units.Spaces)
	row("Groups", st.Units.Groups)
	row("Recently closed", st.Units.RecentlyClosed)

	section("PROCESSES")
	row("Total", st.Processes.Processes)
	for _, h := range []supervisor.Health{supervisor.HealthHealthy, supervisor.HealthDegraded, supervisor.HealthCritical, supervisor.HealthDead} {
		n := st.Processes.ByHealth[h]
		v := fmt.Sprint(n)
		if n > 0 && h != supervisor.HealthHealthy {
			v = p.warn.Render(v)
		}
		row(strings.ToUpper(string(h[:1]))+string(h[1:]), v)
	}
	row("Spawn failures", st.Processes.SpawnFailures)

	section("MEMORY")
	row("Processes", fmt.Sprintf("%d MB", st.Memory.ProcessesMB))
	units := fmt.Sprintf("%d MB", st.Memory.UnitsMB)
	if st.Memory.LimitMB > 0 && st.Memory.UnitsMB > st.Memory.LimitMB {
		units = p.warn.Render(units)
	}
	row("Units", units)
	row("Limit", fmt.Sprintf("%d MB", st.Memory.LimitMB))
	row("Host heap", fmt.Sprintf("%d MB", st.Memory.HeapMB))

	section("PERFORMANCE")
	row("Uptime", st.Performance.Uptime.Round(time.Millisecond))
	row("Goroutines", st.Performance.Goroutines)
	row("Events published", st.Performance.EventsPublished)
	row("Events shed", st.Performance.EventsShed)
	row("Queue depth", st.Performance.QueueDepth)
	row("Messages sent", st.Performance.MessagesSent)
	row("Handler failures", st.Performance.HandlerFailures)

	section("COORDINATION")
	row("Shared contexts", st.Coordinator.Contexts)
	row("Sessions", fmt.Sprintf("%d (%d active)", st.Coordinator.Sessions, st.Coordinator.ActiveSessions))
	row("Connections", st.Coordinator.Connections)
	row("Conflicts", st.Coordinator.Conflicts)
	fmt.Fprintln(w)
}
