package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/torc/internal/config"
	"github.com/iambrandonn/torc/internal/fixturemodel"
	"github.com/iambrandonn/torc/internal/journal"
	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/orchestrator"
	"github.com/iambrandonn/torc/internal/patchstream"
	"github.com/iambrandonn/torc/internal/protocol"
	"github.com/iambrandonn/torc/internal/store"
	"github.com/iambrandonn/torc/internal/transcript"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more tasks",
	Long: `Run tasks against the configured model script. With --message an
ad-hoc task is created; with --task a single task from the config is run;
otherwise every task in the config runs concurrently.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("task", "t", "", "Task ID from the config to run")
	runCmd.Flags().StringP("message", "m", "", "Run an ad-hoc task with this user message")
	runCmd.Flags().String("context", "", "Context ID for an ad-hoc task")
	runCmd.Flags().String("script", "", "Path to the model script (overrides config)")
	runCmd.Flags().String("state-dir", "", "Directory for persisted task state (overrides config)")
	runCmd.Flags().Bool("auto", false, "Approve all tool confirmations without prompting")
	runCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
}

// turnSeed is one task turn the run command will execute
type turnSeed struct {
	taskID    string
	contextID string
	message   string
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	outWriter := cmd.OutOrStdout()

	cfg, cfgPath, err := loadOrCreateConfig(cmd, logger)
	if err != nil {
		return err
	}

	logger.Info("loaded configuration", "path", cfgPath)

	if err := cfg.Validate(); err != nil {
		return err
	}

	stateDir, err := stateDirPath(cmd, cfg, cfgPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	logger.Info("state directory", "path", stateDir)

	// Load the model script that stands in for a live model connection.
	scriptFlag, err := cmd.Flags().GetString("script")
	if err != nil {
		return err
	}
	scriptPath := scriptFlag
	if scriptPath == "" {
		if cfg.Script == "" {
			return fmt.Errorf("no model script configured: set 'script' in %s or pass --script", cfgPath)
		}
		scriptPath = resolvePath(cfgPath, cfg.Script)
	}

	script, err := fixturemodel.LoadScript(scriptPath)
	if err != nil {
		return err
	}

	logger.Info("loaded model script", "path", scriptPath, "turns", len(script.Turns))

	seeds, err := collectSeeds(cmd, cfg)
	if err != nil {
		return err
	}

	// One journal file per invocation, NDJSON, append-only.
	runID := fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
	jnl, err := journal.New(filepath.Join(stateDir, "journal", runID+".ndjson"), logger)
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}
	defer jnl.Close()

	taskStore := store.NewFileStore(stateDir)

	clientFactory := func(settings config.AgentSettings) (llm.Client, error) {
		return fixturemodel.NewClient(script, logger), nil
	}

	runner := &fixturemodel.StaticRunner{
		Confirm: map[string]bool{
			"write_file":  true,
			"run_command": true,
			"delete_file": true,
		},
	}

	orch := orchestrator.New(taskStore, clientFactory, runner, logger)
	orch.SetPatchObserver(patchstream.New(func(p patchstream.Patch) error {
		logger.Debug("patch", "task_id", p.TaskID, "seq", p.Seq)
		return nil
	}, logger))

	auto, err := cmd.Flags().GetBool("auto")
	if err != nil {
		return err
	}

	prompter := newConfirmationPrompter(orch, cmd.InOrStdin(), outWriter, auto, logger)
	pub := protocol.MultiPublisher{
		transcript.NewConsolePublisher(outWriter),
		jnl,
		prompter,
	}

	// An interrupt aborts the in-flight turns; tasks go to input-required
	// and can be resumed later.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Info("starting tasks", "run_id", runID, "count", len(seeds))

	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range seeds {
		seed := seed
		settings := cfg.Settings
		g.Go(func() error {
			return orch.Execute(gctx, orchestrator.Turn{
				TaskID:    seed.taskID,
				ContextID: seed.contextID,
				Message:   userMessage(seed.message),
				Settings:  &settings,
				Publisher: pub,
			})
		})
	}

	runErr := g.Wait()

	for _, seed := range seeds {
		if t, ok := orch.Get(seed.taskID); ok {
			fmt.Fprintf(outWriter, "task %s: %s\n", seed.taskID, t.State())
		}
	}

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}

	logger.Info("run complete", "run_id", runID)
	return nil
}

func collectSeeds(cmd *cobra.Command, cfg *config.Config) ([]turnSeed, error) {
	message, err := cmd.Flags().GetString("message")
	if err != nil {
		return nil, err
	}
	taskID, err := cmd.Flags().GetString("task")
	if err != nil {
		return nil, err
	}
	contextID, err := cmd.Flags().GetString("context")
	if err != nil {
		return nil, err
	}

	if message != "" {
		return []turnSeed{{
			taskID:    uuid.New().String(),
			contextID: contextID,
			message:   message,
		}}, nil
	}

	if taskID != "" {
		for _, seed := range cfg.Tasks {
			if seed.ID == taskID {
				return []turnSeed{{taskID: seed.ID, contextID: seed.ContextID, message: seed.Message}}, nil
			}
		}
		return nil, fmt.Errorf("task %s not found in config", taskID)
	}

	if len(cfg.Tasks) == 0 {
		return nil, fmt.Errorf("nothing to run: config has no tasks and no --message given")
	}

	seeds := make([]turnSeed, 0, len(cfg.Tasks))
	for _, seed := range cfg.Tasks {
		seeds = append(seeds, turnSeed{taskID: seed.ID, contextID: seed.ContextID, message: seed.Message})
	}
	return seeds, nil
}

func userMessage(text string) *protocol.Message {
	return &protocol.Message{
		MessageID: uuid.New().String(),
		Role:      protocol.RoleUser,
		Parts:     []protocol.Part{protocol.TextPart(text)},
	}
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, err := cmd.Flags().GetBool("verbose"); err == nil && verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func loadOrCreateConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	// If explicit path provided, use it
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	// Search up directory tree for torc.json or torc.yaml
	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		logger.Info("found existing config", "path", foundPath)
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	// No config found, create default in current directory
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, "torc.json")
	logger.Info("no config found, creating default", "path", defaultPath)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}

	return cfg, defaultPath, nil
}

var configNames = []string{"torc.json", "torc.yaml", "torc.yml"}

func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		for _, name := range configNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// stateDirPath picks the task-state directory: the --state-dir flag when
// set, otherwise the config's state_dir resolved against the config file.
func stateDirPath(cmd *cobra.Command, cfg *config.Config, cfgPath string) (string, error) {
	flagDir, err := cmd.Flags().GetString("state-dir")
	if err != nil {
		return "", err
	}
	if flagDir != "" {
		return flagDir, nil
	}
	return resolvePath(cfgPath, cfg.StateDir), nil
}

// resolvePath resolves a config-relative path against the config file's
// directory.
func resolvePath(configPath, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(configPath), path)
}
