package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zen-systems/selfheal/pkg/adapter"
	"github.com/zen-systems/selfheal/pkg/config"
	"github.com/zen-systems/selfheal/pkg/evidence"
	"github.com/zen-systems/selfheal/pkg/executor"
	"github.com/zen-systems/selfheal/pkg/extract"
	"github.com/zen-systems/selfheal/pkg/metrics"
	"github.com/zen-systems/selfheal/pkg/review"
	"github.com/zen-systems/selfheal/pkg/router"
	"github.com/zen-systems/selfheal/pkg/store"
	"github.com/zen-systems/selfheal/pkg/strategy"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

var (
	policyFile string
	dbFlag     string
	debugFlag  bool
	aliases    *config.ModelAliases
	logger     = zap.NewNop()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "selfheal",
		Short: "Self-healing article extraction",
		Long: `selfheal extracts articles with stored CSS selectors and, when a site
	changes, repairs or rediscovers them by asking two models for proposals
	and only accepting what they agree on.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(debugFlag)
			if err != nil {
				return err
			}
			logger = l
			aliases, err = config.LoadAliasesWithFallback("")
			if err != nil {
				return fmt.Errorf("failed to load model aliases: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	rootCmd.PersistentFlags().StringVar(&policyFile, "policy", "", "path to policy file (default ~/.selfheal/policy.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "path to the selector database")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(selectorsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(modelsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	return cfg.Build()
}

func extractCmd() *cobra.Command {
	var (
		evidenceDir  string
		noEvidence   bool
		reasonerFlag string
		autoReview   string
		jsonFlag     bool
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "extract [url]",
		Short: "Extract an article, healing selectors as needed",
		Long: `Runs the supervisor for one URL. Stored selectors are tried first; when
	they fail the supervisor escalates to repair and then discovery.

	Disagreements on required fields during repair are shown for review on
	the terminal unless --auto-review picks a side (first, second) or
	declines (none).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			policy := aliases.ResolvePolicy(cfg.Policy)
			if evidenceDir == "" {
				evidenceDir = cfg.EvidenceDir
			}

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			db, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			var reviewer review.Reviewer
			if cmd.Flags().Changed("auto-review") {
				choice, err := review.ParseChoice(autoReview)
				if err != nil {
					return err
				}
				reviewer = review.Static{Choice: choice}
			} else {
				reviewer = review.NewTerminal(os.Stdin, os.Stderr)
			}

			adapters, err := adapter.Build(cfg.Keys())
			if err != nil {
				return fmt.Errorf("failed to create adapters: %w", err)
			}

			opts := []supervisor.Option{
				supervisor.WithLogger(logger),
				supervisor.WithPersister(db),
			}
			if !noEvidence {
				rec, err := evidence.NewRecorder(evidenceDir)
				if err != nil {
					return err
				}
				opts = append(opts, supervisor.WithObserver(rec), supervisor.WithPersister(rec))
				logger.Debug("recording evidence", zap.String("dir", evidenceDir))
			}

			sup, err := buildSupervisor(policy, adapters, db, reviewer, reasonerFlag, opts)
			if err != nil {
				return err
			}

			st, err := sup.Run(ctx, supervisor.Request{URL: args[0]})
			if err != nil {
				return err
			}
			if jsonFlag {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(st); err != nil {
					return err
				}
			} else {
				printState(st)
			}
			if !st.Succeeded() {
				return fmt.Errorf("extraction failed: %s", st.Reason())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&evidenceDir, "evidence-dir", "", "evidence output base directory (default ~/.selfheal/runs)")
	cmd.Flags().BoolVar(&noEvidence, "no-evidence", false, "do not write an evidence bundle")
	cmd.Flags().StringVar(&reasonerFlag, "reasoner", "heuristic", "routing reasoner: heuristic or llm")
	cmd.Flags().StringVar(&autoReview, "auto-review", "", "resolve disagreements without prompting: none, first or second")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the final state as JSON")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	return cmd
}

// buildSupervisor wires the executors, the reasoner and the proposers
// named by the policy.
func buildSupervisor(policy *config.Policy, adapters map[string]adapter.Adapter, db *store.Store, reviewer review.Reviewer, reasonerKind string, opts []supervisor.Option) (*supervisor.Supervisor, error) {
	sp, err := policy.ToSupervisor()
	if err != nil {
		return nil, err
	}
	rules, err := policy.RuleSet()
	if err != nil {
		return nil, err
	}
	if len(policy.Proposers) != 2 {
		return nil, fmt.Errorf("policy must name two proposers, got %d", len(policy.Proposers))
	}

	var proposers [2]executor.Proposer
	for i, target := range policy.Proposers {
		a, err := adapter.Lookup(adapters, target.Adapter)
		if err != nil {
			return nil, fmt.Errorf("proposer %d: %w", i+1, err)
		}
		proposers[i] = executor.NewLLMProposer(a, target.Model, policy.RetryPolicy(), logger)
	}

	execCfg := executor.Config{
		Fetcher:   extract.NewHTTPFetcher(policy.FetchTimeout),
		Store:     db,
		Consensus: sp.ConsensusOptions(),
		Fields:    policy.Fields,
		HTMLLimit: policy.HTMLLimit,
		Logger:    logger,
	}
	direct, err := executor.NewDirect(execCfg)
	if err != nil {
		return nil, err
	}
	repair, err := executor.NewRepair(execCfg, proposers, reviewer)
	if err != nil {
		return nil, err
	}
	discovery, err := executor.NewDiscovery(execCfg, proposers)
	if err != nil {
		return nil, err
	}

	heuristic := router.NewHeuristic(db, rules)
	var reasoner supervisor.Reasoner
	switch strings.ToLower(reasonerKind) {
	case "", "heuristic":
		reasoner = heuristic
	case "llm":
		a, err := adapter.Lookup(adapters, policy.Reasoner.Adapter)
		if err != nil {
			return nil, fmt.Errorf("reasoner: %w", err)
		}
		reasoner = router.NewLLMReasoner(heuristic, a, policy.Reasoner.Model,
			router.WithThreshold(policy.TieBreakThreshold),
			router.WithRetryPolicy(policy.RetryPolicy()),
			router.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown reasoner %q (want heuristic or llm)", reasonerKind)
	}

	return supervisor.New(sp, reasoner, map[strategy.Strategy]supervisor.Executor{
		strategy.Direct:    direct,
		strategy.Repair:    repair,
		strategy.Discovery: discovery,
	}, opts...)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func printState(st *supervisor.State) {
	fmt.Fprintf(os.Stderr, "Run %s: %s\n", st.RunID, st.Reason())
	fmt.Fprintf(os.Stderr, "Strategies: %s\n", formatHistory(st.History))
	for _, v := range st.Vetoes {
		fallback := "none"
		if !v.NoFallback {
			fallback = v.Fallback.String()
		}
		fmt.Fprintf(os.Stderr, "  veto at step %d: %s (%s), fallback %s\n", v.Step, v.Kind, v.Reason, fallback)
	}
	if st.Article == nil {
		return
	}
	a := st.Article
	fmt.Println(a.Title)
	if len(a.Authors) > 0 {
		fmt.Printf("By %s\n", strings.Join(a.Authors, ", "))
	}
	if a.DateRaw != "" {
		fmt.Println(a.DateRaw)
	}
	fmt.Println()
	fmt.Println(a.Body)
}

func formatHistory(history []strategy.Strategy) string {
	if len(history) == 0 {
		return "(none)"
	}
	parts := make([]string, len(history))
	for i, st := range history {
		parts[i] = st.String()
	}
	return strings.Join(parts, " -> ")
}

// loadConfig loads the configuration, honoring --policy and --db.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if policyFile != "" {
		cfg, err = config.LoadWithPolicyFile(policyFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if dbFlag != "" {
		cfg.DatabasePath = dbFlag
	}
	return cfg, nil
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return store.Open(cfg.DatabasePath)
}
