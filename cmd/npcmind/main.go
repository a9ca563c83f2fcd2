package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"npcmind/internal/config"
	"npcmind/internal/dialogue"
	"npcmind/internal/logging"
	"npcmind/internal/perception"
	"npcmind/internal/store"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	dbPath     string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "npcmind",
	Short: "npcmind - constrained NPC dialogue pipeline",
	Long: `npcmind runs game NPC dialogue through a constrained generation
pipeline: memory retrieval, budgeted working-memory assembly, cache-aware
prompt assembly, output parsing, and validation with constraint escalation
on retry.

Generation itself is pluggable; the CLI plays scenarios against scripted
responses so pipelines can be exercised offline.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// seedCmd loads a scenario's NPC memory into the store.
var seedCmd = &cobra.Command{
	Use:   "seed [scenario.yaml]",
	Short: "Seed the memory store from a scenario file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

// playCmd plays one interaction from a scenario.
var playCmd = &cobra.Command{
	Use:   "play [scenario.yaml] [interaction-index]",
	Short: "Play a single scenario interaction against scripted responses",
	Long: `Runs one interaction of a scenario through the full pipeline. The
interaction's scripted responses stand in for the generation engine, one
response per attempt. Prints the final dialogue line and the attempt
history.`,
	Args: cobra.ExactArgs(2),
	RunE: runPlay,
}

// batchCmd plays every interaction of a scenario concurrently.
var batchCmd = &cobra.Command{
	Use:   "batch [scenario.yaml]",
	Short: "Play all scenario interactions, sessions in parallel",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", ".npcmind/memory.db", "memory database path")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "pipeline config file (YAML)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "overall command timeout")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(batchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// commandContext returns a context cancelled on SIGINT/SIGTERM or timeout.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func engineConfig() (dialogue.EngineConfig, error) {
	if configPath == "" {
		return dialogue.DefaultEngineConfig(), nil
	}
	return config.Load(configPath)
}

func runSeed(cmd *cobra.Command, args []string) error {
	sc, err := LoadScenario(args[0])
	if err != nil {
		return err
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sc.Seed(db); err != nil {
		return err
	}
	logger.Info("scenario seeded",
		zap.String("scenario", args[0]),
		zap.Int("npcs", len(sc.NPCs)))
	fmt.Printf("Seeded %d NPC(s) into %s\n", len(sc.NPCs), dbPath)
	return nil
}

func runPlay(cmd *cobra.Command, args []string) error {
	sc, err := LoadScenario(args[0])
	if err != nil {
		return err
	}
	var index int
	if _, err := fmt.Sscanf(args[1], "%d", &index); err != nil {
		return fmt.Errorf("interaction index %q is not a number", args[1])
	}
	if index < 0 || index >= len(sc.Interactions) {
		return fmt.Errorf("interaction index %d out of range (scenario has %d)", index, len(sc.Interactions))
	}

	cfg, err := engineConfig()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	result, err := playInteraction(ctx, sc, sc.Interactions[index], cfg)
	if err != nil {
		return err
	}
	printResult(os.Stdout, sc.Interactions[index], result)
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	sc, err := LoadScenario(args[0])
	if err != nil {
		return err
	}
	cfg, err := engineConfig()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	results := make([]*dialogue.InferenceResultWithRetries, len(sc.Interactions))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range sc.Interactions {
		g.Go(func() error {
			result, err := playInteraction(gctx, sc, in, cfg)
			if err != nil {
				return fmt.Errorf("interaction %d (%s): %w", i, in.NPC, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	succeeded := 0
	for i, result := range results {
		printResult(os.Stdout, sc.Interactions[i], result)
		if result.Success {
			succeeded++
		}
	}
	logger.Info("batch complete",
		zap.Int("interactions", len(results)),
		zap.Int("succeeded", succeeded))
	fmt.Printf("\n%d/%d interactions succeeded\n", succeeded, len(results))
	return nil
}

// playInteraction runs one interaction through a fresh engine backed by
// the interaction's scripted responses.
func playInteraction(ctx context.Context, sc *Scenario, in ScenarioInteraction, cfg dialogue.EngineConfig) (*dialogue.InferenceResultWithRetries, error) {
	npc, ok := sc.NPC(in.NPC)
	if !ok {
		return nil, fmt.Errorf("unknown npc %q", in.NPC)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	snap, err := db.Snapshot(npc.Name, in.Input, in.Time, in.Topics, npc.Constraints, npc.SystemPrompt)
	if err != nil {
		return nil, err
	}

	responses := make([]*perception.GenerationResponse, len(in.Responses))
	for i, text := range in.Responses {
		responses[i] = &perception.GenerationResponse{Text: text}
	}
	client := perception.NewScriptedClient(responses...)

	engine := dialogue.NewEngine(client, cfg)
	result, err := engine.Run(ctx, snap)
	if err != nil {
		return nil, err
	}

	if result.Success {
		if err := db.ApplyMutations(npc.Name, in.Time, result.ApprovedMutations); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func printResult(w *os.File, in ScenarioInteraction, result *dialogue.InferenceResultWithRetries) {
	fmt.Fprintf(w, "\n[%s] Player: %s\n", in.NPC, in.Input)
	if result.Success {
		fmt.Fprintf(w, "[%s] %s\n", in.NPC, result.Dialogue)
	} else {
		fmt.Fprintf(w, "[%s] (no valid reply: %s)\n", in.NPC, result.Outcome)
	}
	for _, a := range result.Attempts {
		status := "ok"
		if !a.Success {
			status = string(a.Outcome)
		}
		fmt.Fprintf(w, "  attempt %d: %s (%s)\n", a.Number+1, status, a.Elapsed.Round(time.Millisecond))
		for _, v := range a.Violations {
			fmt.Fprintf(w, "    - %s\n", v.Description)
		}
	}
	fmt.Fprintf(w, "  tokens: %d prompt, %d completion\n",
		result.Usage.PromptTokens, result.Usage.CompletionTokens)
}
