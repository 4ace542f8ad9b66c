package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/storage"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the persistent store",
		Long: `Inspect the blob store and event journal of the configured storage driver.

Suspended unit state lives under "unit-state/" and space exports under
"space-export/". The memory driver keeps nothing between runs, so these
commands are only useful with storage.driver set to "sqlite".`,
	}

	var limit int
	events := &cobra.Command{
		Use:   "events",
		Short: "Show recently journaled events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st storage.Store) error {
				entries, err := st.RecentEvents(cmd.Context(), limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				for _, e := range entries {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, e.Priority, e.Source)
				}
				return w.Flush()
			})
		},
	}
	events.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls [prefix]",
			Short: "List stored blobs",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				prefix := ""
				if len(args) == 1 {
					prefix = args[0]
				}
				return withStore(cmd, func(st storage.Store) error {
					blobs, err := st.ListBlobs(cmd.Context(), prefix)
					if err != nil {
						return err
					}
					if len(blobs) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No blobs stored")
						return nil
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
					for _, b := range blobs {
						fmt.Fprintf(w, "%s\t%d\t%s\n", b.Key, b.Size, b.UpdatedAt.Format("2006-01-02 15:04:05"))
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "cat <key>",
			Short: "Print a blob",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(st storage.Store) error {
					data, err := st.LoadBlob(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					if _, err := out.Write(data); err != nil {
						return err
					}
					if !strings.HasSuffix(string(data), "\n") {
						fmt.Fprintln(out)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm <key>...",
			Short: "Delete blobs",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(st storage.Store) error {
					for _, key := range args {
						if err := st.DeleteBlob(cmd.Context(), key); err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", key)
					}
					return nil
				})
			},
		},
		events,
	)
	return cmd
}

func withStore(cmd *cobra.Command, fn func(storage.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := storage.Open(cmd.Context(), cfg.Storage.Driver, cfg.Storage.ResolvePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	return fn(st)
}
