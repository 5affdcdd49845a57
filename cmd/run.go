// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/audit"
	"github.com/xkilldash9x/uipilot/internal/browser"
	"github.com/xkilldash9x/uipilot/internal/config"
	"github.com/xkilldash9x/uipilot/internal/diagnostics"
	"github.com/xkilldash9x/uipilot/internal/download"
	"github.com/xkilldash9x/uipilot/internal/observability"
	"github.com/xkilldash9x/uipilot/internal/resolver"
	"github.com/xkilldash9x/uipilot/internal/runner"
	"github.com/xkilldash9x/uipilot/internal/session"
	"github.com/xkilldash9x/uipilot/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunsFailed is returned when at least one run did not succeed, so the
// process exits non-zero.
var ErrRunsFailed = errors.New("one or more runs failed")

// batchRunner is what the run command needs from runner.Runner.
type batchRunner interface {
	RunBatch(ctx context.Context, batch []schemas.RunParams) []schemas.RunResult
}

// runnerFactory wires a runner from configuration. Tests swap it for a fake.
type runnerFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (batchRunner, func(), error)
}

type defaultRunnerFactory struct{}

func newDefaultRunnerFactory() runnerFactory {
	return &defaultRunnerFactory{}
}

// Create builds the production graph: chromedp launcher, session store,
// resolver, sequencer, verifier, recorder and the audit sinks.
func (f *defaultRunnerFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (batchRunner, func(), error) {
	wf, err := workflow.Resolve(cfg.Workflow(), cfg.Target())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid workflow: %w", err)
	}
	if wf.StartURL == "" {
		return nil, nil, errors.New("no start URL: set target.base_url (UIPILOT_TARGET_BASE_URL) or start_url in the workflow file")
	}

	sink, closeSink, err := newAuditSink(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	manager := browser.NewManager(logger, cfg.Browser())
	seq := workflow.NewSequencer(logger, wf,
		resolver.New(logger, resolver.OptionsFromConfig(cfg.Resolver())),
		download.NewVerifier(logger, download.OptionsFromConfig(cfg.Download())),
		diagnostics.NewRecorder(logger, cfg.Diagnostics()),
		workflow.OptionsFromConfig(cfg),
	)
	r := runner.New(logger, session.NewStore(logger, cfg.Target().Origin()), manager, seq, sink, runner.OptionsFromConfig(cfg))

	cleanup := func() {
		if err := manager.Shutdown(context.Background()); err != nil {
			logger.Warn("Browser manager shutdown incomplete", zap.Error(err))
		}
		closeSink()
	}
	return r, cleanup, nil
}

// newAuditSink opens the JSONL log and, when a database URL is configured,
// mirrors into Postgres.
func newAuditSink(ctx context.Context, cfg config.Interface, logger *zap.Logger) (audit.Sink, func(), error) {
	log := audit.NewLog(logger, cfg.Audit().Path)
	if cfg.Audit().DatabaseURL == "" {
		return log, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Audit().DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	mirror, err := audit.NewPostgresSink(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize audit mirror: %w", err)
	}
	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return audit.NewMultiSink(logger, log, mirror), cleanup, nil
}

type runFlags struct {
	search     string
	contextID  string
	parameter  string
	transforms map[string]string
	count      int
	output     string
	session    string
	workflow   string
	headful    bool
}

func newRunCmd(factory runnerFactory) *cobra.Command {
	var flags runFlags

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Search, transform and export one artifact per run",
		Long: `Restores the saved session, locates the item by search, applies the requested
transforms, triggers the export and verifies the downloaded file. Each --count run is
fully independent and produces its own artifact. The RunResult JSON is printed to stdout.`,
		Example: `  uipilot run --search "ambient calm" --context vid42 --parameter 30s --transform duration=30 --output ./out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			applyRunOverrides(cmd, cfg, flags)
			return runRuns(ctx, observability.GetLogger(), cfg, flags, factory, cmd.OutOrStdout())
		},
	}

	runCmd.Flags().StringVar(&flags.search, "search", "", "Search text that locates the content item (required)")
	_ = runCmd.MarkFlagRequired("search")
	runCmd.Flags().StringVar(&flags.contextID, "context", "", "Context ID used as the artifact name prefix (required)")
	_ = runCmd.MarkFlagRequired("context")
	runCmd.Flags().StringVar(&flags.parameter, "parameter", "", "Naming parameter, e.g. the requested duration")
	runCmd.Flags().StringToStringVar(&flags.transforms, "transform", nil, "Transform values as name=value, repeatable")
	runCmd.Flags().IntVarP(&flags.count, "count", "n", 1, "Number of independent runs")
	runCmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output directory for artifacts (overrides download.dir)")
	runCmd.Flags().StringVar(&flags.session, "session", "", "Session descriptor path (overrides session.path)")
	runCmd.Flags().StringVar(&flags.workflow, "workflow", "", "YAML workflow definition (overrides workflow.file)")
	runCmd.Flags().BoolVar(&flags.headful, "headful", false, "Show the browser window")

	return runCmd
}

func applyRunOverrides(cmd *cobra.Command, cfg config.Interface, flags runFlags) {
	if cmd.Flags().Changed("session") {
		cfg.SetSessionPath(flags.session)
	}
	if cmd.Flags().Changed("workflow") {
		cfg.SetWorkflowFile(flags.workflow)
	}
	if cmd.Flags().Changed("output") {
		cfg.SetDownloadDir(flags.output)
	}
	if cmd.Flags().Changed("headful") {
		cfg.SetBrowserHeadless(!flags.headful)
	}
}

// runRuns holds the testable core of the run command.
func runRuns(ctx context.Context, logger *zap.Logger, cfg config.Interface, flags runFlags, factory runnerFactory, out io.Writer) error {
	if flags.count < 1 {
		return fmt.Errorf("--count must be at least 1, got %d", flags.count)
	}

	r, cleanup, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize runner: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	params := schemas.RunParams{
		SearchText: flags.search,
		ContextID:  flags.contextID,
		Parameter:  flags.parameter,
		Transforms: flags.transforms,
		OutputDir:  flags.output,
	}
	batch := make([]schemas.RunParams, flags.count)
	for i := range batch {
		batch[i] = params
	}

	results := r.RunBatch(ctx, batch)

	var payload any = results
	if len(results) == 1 {
		payload = results[0]
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if _, err := fmt.Fprintln(out, string(data)); err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrRunsFailed, failed, len(results))
	}
	return nil
}
