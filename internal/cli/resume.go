package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/torc/internal/config"
	"github.com/iambrandonn/torc/internal/fixturemodel"
	"github.com/iambrandonn/torc/internal/journal"
	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/orchestrator"
	"github.com/iambrandonn/torc/internal/protocol"
	"github.com/iambrandonn/torc/internal/store"
	"github.com/iambrandonn/torc/internal/transcript"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a persisted task",
	Long: `Resume a task from its persisted record. Without --message the task
is reconstructed and its current state reported; with --message a new turn
is executed against it.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringP("task", "t", "", "Task ID to resume (required)")
	resumeCmd.MarkFlagRequired("task")
	resumeCmd.Flags().StringP("message", "m", "", "User message for the resumed turn")
	resumeCmd.Flags().String("script", "", "Path to the model script (overrides config)")
	resumeCmd.Flags().String("state-dir", "", "Directory for persisted task state (overrides config)")
	resumeCmd.Flags().Bool("auto", false, "Approve all tool confirmations without prompting")
	resumeCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
}

func runResume(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	outWriter := cmd.OutOrStdout()

	taskID, err := cmd.Flags().GetString("task")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(cmd, logger)
	if err != nil {
		return err
	}

	logger.Info("loaded configuration", "path", cfgPath)

	stateDir, err := stateDirPath(cmd, cfg, cfgPath)
	if err != nil {
		return err
	}
	taskStore := store.NewFileStore(stateDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	record, err := taskStore.Load(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no persisted record for task %s in %s", taskID, stateDir)
		}
		return fmt.Errorf("failed to load task record: %w", err)
	}

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

	runID := fmt.Sprintf("resume-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
	jnl, err := journal.New(filepath.Join(stateDir, "journal", runID+".ndjson"), logger)
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}
	defer jnl.Close()

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

	t, err := orch.Reconstruct(ctx, record, pub)
	if err != nil {
		return fmt.Errorf("failed to reconstruct task %s: %w", taskID, err)
	}

	logger.Info("task reconstructed", "task_id", taskID, "state", t.State())

	message, err := cmd.Flags().GetString("message")
	if err != nil {
		return err
	}

	if message == "" {
		fmt.Fprintf(outWriter, "task %s: %s\n", taskID, t.State())
		return nil
	}

	if err := orch.Execute(ctx, orchestrator.Turn{
		TaskID:    taskID,
		ContextID: t.ContextID(),
		Message:   userMessage(message),
		Publisher: pub,
	}); err != nil {
		return fmt.Errorf("resumed turn failed: %w", err)
	}

	fmt.Fprintf(outWriter, "task %s: %s\n", taskID, t.State())
	return nil
}
