package cli

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/torc/internal/config"
)

func newTestRunCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().StringP("task", "t", "", "")
	cmd.Flags().StringP("message", "m", "", "")
	cmd.Flags().String("context", "", "")
	return cmd
}

func TestCollectSeedsAdHocMessage(t *testing.T) {
	cmd := newTestRunCmd()
	require.NoError(t, cmd.Flags().Set("message", "list the files"))
	require.NoError(t, cmd.Flags().Set("context", "ctx-1"))

	cfg := config.GenerateDefault()
	seeds, err := collectSeeds(cmd, cfg)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	require.NotEmpty(t, seeds[0].taskID)
	require.Equal(t, "ctx-1", seeds[0].contextID)
	require.Equal(t, "list the files", seeds[0].message)
}

func TestCollectSeedsByTaskID(t *testing.T) {
	cmd := newTestRunCmd()
	require.NoError(t, cmd.Flags().Set("task", "t2"))

	cfg := config.GenerateDefault()
	cfg.Tasks = []config.TaskSeed{
		{ID: "t1", Message: "first"},
		{ID: "t2", ContextID: "ctx-2", Message: "second"},
	}

	seeds, err := collectSeeds(cmd, cfg)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	require.Equal(t, "t2", seeds[0].taskID)
	require.Equal(t, "ctx-2", seeds[0].contextID)
	require.Equal(t, "second", seeds[0].message)
}

func TestCollectSeedsUnknownTaskID(t *testing.T) {
	cmd := newTestRunCmd()
	require.NoError(t, cmd.Flags().Set("task", "missing"))

	cfg := config.GenerateDefault()
	cfg.Tasks = []config.TaskSeed{{ID: "t1", Message: "first"}}

	_, err := collectSeeds(cmd, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestCollectSeedsAllConfigTasks(t *testing.T) {
	cmd := newTestRunCmd()

	cfg := config.GenerateDefault()
	cfg.Tasks = []config.TaskSeed{
		{ID: "t1", Message: "first"},
		{ID: "t2", Message: "second"},
	}

	seeds, err := collectSeeds(cmd, cfg)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	require.Equal(t, "t1", seeds[0].taskID)
	require.Equal(t, "t2", seeds[1].taskID)
}

func TestCollectSeedsNothingToRun(t *testing.T) {
	cmd := newTestRunCmd()

	_, err := collectSeeds(cmd, config.GenerateDefault())
	require.Error(t, err)
	require.Contains(t, err.Error(), "nothing to run")
}

func TestResolvePath(t *testing.T) {
	cfgPath := filepath.Join("/home", "user", "project", "torc.json")
	require.Equal(t, filepath.Join("/home", "user", "project", ".torc"), resolvePath(cfgPath, ".torc"))
	require.Equal(t, "/var/state", resolvePath(cfgPath, "/var/state"))
}

func TestUserMessage(t *testing.T) {
	msg := userMessage("hello")
	require.NotEmpty(t, msg.MessageID)
	require.Equal(t, "hello", msg.Text())
}
