package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goclaw/mnemos/pkg/memory"
	"github.com/goclaw/mnemos/pkg/version"
)

func newSearchCmd(o *rootOptions) *cobra.Command {
	var (
		k      int
		filter memory.Filter
	)
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Run a hybrid search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return o.withRuntime(cmd, func(ctx context.Context, r *runtime) error {
				n := k
				if n <= 0 {
					n = r.cfg.Retrieval.DefaultK
				}
				return printJSON(cmd.OutOrStdout(), r.engine.Search(ctx, query, n, filter))
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "Number of results (default retrieval.default_k)")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "Restrict to a session")
	cmd.Flags().StringVar(&filter.PersonaID, "persona", "", "Restrict to a persona")
	return cmd
}

// ingestOutput is printed after a summary has been stored.
type ingestOutput struct {
	ID int64 `json:"id"`
}

func newIngestCmd(o *rootOptions) *cobra.Command {
	var (
		file    string
		persona string
		window  memory.SourceWindow
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Store a summarizer result read as JSON from stdin or a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			summary, err := decodeSummary(in)
			if err != nil {
				return err
			}
			return o.withRuntime(cmd, func(ctx context.Context, r *runtime) error {
				id, err := r.engine.Ingest(ctx, window, persona, summary)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ingestOutput{ID: id})
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "Read the summary from a file instead of stdin")
	f.StringVar(&window.SessionID, "session", "", "Session the summary belongs to")
	f.StringVar(&persona, "persona", "", "Persona the summary belongs to")
	f.IntVar(&window.StartOffset, "start", 0, "First message offset of the source window")
	f.IntVar(&window.EndOffset, "end", 0, "Last message offset of the source window")
	f.IntVar(&window.MessageCount, "messages", 0, "Number of messages in the source window")
	return cmd
}

func decodeSummary(r io.Reader) (*memory.SummaryResult, error) {
	var s memory.SummaryResult
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &s, nil
}

func newStatsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record and index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, func(ctx context.Context, r *runtime) error {
				st, err := r.engine.Statistics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

// cleanupOutput reports a cleanup run.
type cleanupOutput struct {
	Removed    int    `json:"removed"`
	BackupPath string `json:"backup_path,omitempty"`
}

func newCleanupCmd(o *rootOptions) *cobra.Command {
	var (
		days       int
		importance float64
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old records of low importance",
		Long: "cleanup deletes active records older than --days whose importance is below --importance.\n" +
			"Zero disables a criterion; a negative value deletes nothing.\n" +
			"A full backup is written first when backup.enabled is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, func(ctx context.Context, r *runtime) error {
				var out cleanupOutput
				if r.cfg.Backup.Enabled {
					path, err := r.backupManager().Backup(ctx)
					if err != nil {
						r.log.WarnContext(ctx, "backup before cleanup failed, continuing", "error", err)
					}
					out.BackupPath = path
				}
				n, err := r.engine.Cleanup(ctx, days, importance)
				if err != nil {
					return err
				}
				out.Removed = n
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Maximum record age in days")
	cmd.Flags().Float64Var(&importance, "importance", 0.1, "Minimum importance to keep")
	return cmd
}

func newValidateCmd(o *rootOptions) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that both indexes agree with the record store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, func(ctx context.Context, r *runtime) error {
				var (
					st  *memory.IndexStatus
					err error
				)
				if repair {
					st, err = r.engine.ValidateAndRepair(ctx)
				} else {
					st, err = r.engine.Validate(ctx)
				}
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), st); err != nil {
					return err
				}
				if !repair && !st.Consistent() {
					return fmt.Errorf("%w: %s", memory.ErrInconsistent, st.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Rebuild indexes that drifted")
	return cmd
}

// backupOutput reports a backup run.
type backupOutput struct {
	Path   string `json:"path"`
	Pruned int    `json:"pruned"`
}

func newBackupCmd(o *rootOptions) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a backup of the record store and both indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, func(ctx context.Context, r *runtime) error {
				bm := r.backupManager()
				path, err := bm.Backup(ctx)
				if err != nil {
					return err
				}
				out := backupOutput{Path: path}
				if prune {
					if out.Pruned, err = bm.Prune(ctx); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "Remove backups past backup.retention_days")
	return cmd
}

func newMaintainCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run the daily maintenance job once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, func(ctx context.Context, r *runtime) error {
				var bm *memory.BackupManager
				if r.cfg.Backup.Enabled {
					bm = r.backupManager()
				}
				s, err := memory.NewScheduler(r.engine, bm, memory.SchedulerOptionsFrom(r.cfg))
				if err != nil {
					return err
				}
				report, err := s.RunNow(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

// migrateOutput reports the schema state of the record store.
type migrateOutput struct {
	Applied int                       `json:"applied"`
	Current int                       `json:"current_version"`
	Latest  int                       `json:"latest_version"`
	Pending []int                     `json:"pending,omitempty"`
	History []memory.AppliedMigration `json:"history"`
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending record store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			paths := memory.ResolvePaths(o.cfg)
			if err := os.MkdirAll(paths.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			store, err := memory.OpenRecordStore(paths.RecordDB, o.cfg.Storage.BusyTimeout)
			if err != nil {
				return err
			}
			defer store.Close()

			m := memory.NewMigrator(store, memory.PreMigrationBackup(store, paths.BackupDir, o.log), o.log)

			var out migrateOutput
			if status {
				pending, err := m.Pending(ctx)
				if err != nil {
					return err
				}
				for _, step := range pending {
					out.Pending = append(out.Pending, step.Version)
				}
			} else if out.Applied, err = m.Migrate(ctx); err != nil {
				return err
			}

			if out.Current, err = m.CurrentVersion(ctx); err != nil {
				return err
			}
			out.Latest = m.LatestVersion()
			if out.History, err = m.History(ctx); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "Only report pending migrations")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print version information",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), version.Get())
		},
	}
}
