// Package cli implements the duty admin command line: inspecting, purging
// and canceling stored jobs, and serving engine metrics.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshribin/duty"
	"github.com/oshribin/duty/config"
	"github.com/oshribin/duty/core"
	"github.com/oshribin/duty/job"
)

type app struct {
	configFile string
	out        io.Writer
}

// BuildCLI returns the root command
func BuildCLI() *cobra.Command {
	a := &app{out: os.Stdout}

	rootCmd := &cobra.Command{
		Use:   "duty",
		Short: "Duty: inspect and manage persisted background jobs",
		Long: `Duty keeps a durable record of every job submitted to an engine.
This tool reads and maintains those records in the configured store.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.out = cmd.OutOrStdout()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(a.buildGetCommand())
	rootCmd.AddCommand(a.buildListCommand())
	rootCmd.AddCommand(a.buildPurgeCommand())
	rootCmd.AddCommand(a.buildCancelCommand())
	rootCmd.AddCommand(a.buildServeMetricsCommand())

	return rootCmd
}

// filterFlags are shared by list and purge
type filterFlags struct {
	name      string
	statuses  []string
	olderThan time.Duration
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "only jobs with this name")
	cmd.Flags().StringSliceVar(&f.statuses, "status", nil, "only jobs with these statuses (pending, running, success, error)")
	cmd.Flags().DurationVar(&f.olderThan, "older-than", 0, "only jobs added longer ago than this")
}

func (f *filterFlags) filter(now time.Time) (job.Filter, error) {
	filter := job.Filter{Name: f.name}
	for _, s := range f.statuses {
		status := job.Status(strings.ToLower(strings.TrimSpace(s)))
		if !status.Valid() {
			return job.Filter{}, fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if f.olderThan > 0 {
		filter.AddedBefore = now.Add(-f.olderThan)
	}
	return filter, nil
}

func (a *app) buildGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a job record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, store core.Store) error {
				rec, err := store.FindByID(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get job %s: %w", args[0], err)
				}
				return a.printJSON(rec)
			})
		},
	}
}

func (a *app) buildListCommand() *cobra.Command {
	var flags filterFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job records in submission order",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter(time.Now())
			if err != nil {
				return err
			}

			return a.withStore(cmd.Context(), func(ctx context.Context, store core.Store) error {
				jobs, err := core.List(ctx, store, filter)
				if err != nil {
					return fmt.Errorf("failed to list jobs: %w", err)
				}
				if asJSON {
					return a.printJSON(jobs)
				}
				return a.printTable(jobs)
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as a JSON array")
	return cmd
}

func (a *app) buildPurgeCommand() *cobra.Command {
	var flags filterFlags

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove job records",
		Long:  "Remove the job records matching the filters. Without filters every record is removed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter(time.Now())
			if err != nil {
				return err
			}

			return a.withStore(cmd.Context(), func(ctx context.Context, store core.Store) error {
				n, err := core.Purge(ctx, store, filter)
				if err != nil {
					return fmt.Errorf("purged %d jobs before failing: %w", n, err)
				}
				fmt.Fprintf(a.out, "purged %d jobs\n", n)
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func (a *app) buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Mark an unfinished job record as canceled",
		Long: `Mark a pending or running job record as canceled. This is meant for
records left behind by a process that exited before resolving them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, store core.Store) error {
				d, err := duty.New(store)
				if err != nil {
					return err
				}
				defer d.Engine.Close()

				if err := d.Cancel(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to cancel job %s: %w", args[0], err)
				}
				fmt.Fprintf(a.out, "canceled %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) buildServeMetricsCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve /metrics and /healthz until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Metrics.Addr
			}

			ctx := cmd.Context()
			d, err := duty.Open(ctx, cfg)
			if err != nil {
				return err
			}

			server := &http.Server{Addr: addr, Handler: newMux(d), ReadHeaderTimeout: 5 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				fmt.Fprintf(a.out, "serving metrics on %s\n", addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			workErr := d.Work(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)

			if err := <-errCh; err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return workErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config metrics.addr)")
	return cmd
}

// newMux serves the backend's metrics, if it has any, and engine health
func newMux(d *duty.Duty) *http.ServeMux {
	mux := http.NewServeMux()
	if handler, ok := d.MetricsHandler(); ok {
		mux.Handle("/metrics", handler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := d.Health()

		body := map[string]any{
			"healthy":      status.Healthy,
			"listeners":    status.Listeners,
			"pending_jobs": status.PendingJobs,
			"active_jobs":  status.ActiveJobs,
			"last_check":   status.LastCheck,
		}
		if status.StoreHealth != nil {
			body["store_error"] = status.StoreHealth.Error()
		}
		if status.StatsHealth != nil {
			body["stats_error"] = status.StatsHealth.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(body)
	})
	return mux
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (a *app) withStore(ctx context.Context, fn func(context.Context, core.Store) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := duty.NewStore(ctx, cfg.Store, cfg.Log.Logger(os.Stderr))
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	defer store.Close()

	return fn(ctx, store)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printTable(jobs []*job.Job) error {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tADDED\tPROGRESS\tERROR")
	for _, rec := range jobs {
		progress := "-"
		if rec.Loaded != nil && rec.Total != nil {
			progress = fmt.Sprintf("%d/%d", *rec.Loaded, *rec.Total)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Name, rec.Status, rec.AddedOn.Format(time.RFC3339), progress, rec.Error)
	}
	return w.Flush()
}
