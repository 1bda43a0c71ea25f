package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/goclaw/mnemos/config"
	"github.com/goclaw/mnemos/pkg/embedding"
	"github.com/goclaw/mnemos/pkg/logger"
	"github.com/goclaw/mnemos/pkg/memory"
	"github.com/goclaw/mnemos/pkg/metrics"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dataDir    string
	logLevel   string
	debug      bool

	cfg    *config.Config
	source string
	log    logger.Logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mnemos",
		Short:         "Hybrid memory retrieval and lifecycle engine",
		Long:          "mnemos stores conversation summaries and retrieves them by fusing BM25 and vector search.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd.Name() == "serve")
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to configuration file")
	f.StringVar(&o.dataDir, "data-dir", "", "Override storage.data_dir")
	f.StringVar(&o.logLevel, "log-level", "", "Override log.level")
	f.BoolVar(&o.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(o),
		newSearchCmd(o),
		newIngestCmd(o),
		newStatsCmd(o),
		newCleanupCmd(o),
		newValidateCmd(o),
		newBackupCmd(o),
		newMaintainCmd(o),
		newMigrateCmd(o),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) overrides() map[string]interface{} {
	overrides := make(map[string]interface{})
	if o.dataDir != "" {
		overrides["storage.data_dir"] = o.dataDir
	}
	if o.logLevel != "" {
		overrides["log.level"] = o.logLevel
	}
	if o.debug {
		overrides["app.debug"] = true
	}
	return overrides
}

// load reads the configuration and installs the global logger. Only the
// server logs to stdout; the other commands keep it for their output.
func (o *rootOptions) load(server bool) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(o.configPath, o.overrides())
	if err != nil {
		return err
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	if !server && (logCfg.Output == "" || logCfg.Output == "stdout") {
		logCfg.Output = "stderr"
	}

	o.cfg = cfg
	o.source = loader.Source()
	o.log = logger.New(logCfg)
	logger.SetGlobal(o.log)
	return nil
}

// runtime is an opened engine with its collaborators.
type runtime struct {
	cfg      *config.Config
	log      logger.Logger
	metrics  *metrics.Manager
	provider embedding.Provider
	engine   *memory.Engine
}

func (o *rootOptions) open(ctx context.Context) (*runtime, error) {
	return o.openWith(ctx, metrics.NewManager(metrics.ConfigFrom(o.cfg.Metrics)))
}

func (o *rootOptions) openWith(ctx context.Context, m *metrics.Manager) (*runtime, error) {
	provider, err := embedding.New(o.cfg.Embedding, m)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	engine, err := memory.Open(ctx, o.cfg, provider,
		memory.WithLogger(o.log),
		memory.WithMetrics(m),
	)
	if err != nil {
		closeProvider(provider)
		return nil, err
	}
	return &runtime{cfg: o.cfg, log: o.log, metrics: m, provider: provider, engine: engine}, nil
}

func (r *runtime) backupManager() *memory.BackupManager {
	return memory.NewBackupManager(r.engine, memory.ResolvePaths(r.cfg).BackupDir, r.cfg.Backup.RetentionDays)
}

func (r *runtime) Close() error {
	err := r.engine.Close()
	closeProvider(r.provider)
	return err
}

func closeProvider(p embedding.Provider) {
	if c, ok := p.(interface{ Close() }); ok {
		c.Close()
	}
}

// withRuntime opens the engine, runs fn and closes the engine again.
func (o *rootOptions) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, r *runtime) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, r.Close())
	}()
	return fn(ctx, r)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
