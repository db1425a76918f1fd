package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"intent-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
database:
  path: %s
artifacts:
  dir: %s
vectorizer:
  max_len: 8
model:
  embedding_dim: 8
  recurrent_units: [8, 6, 4]
  dense_units: 8
training:
  epochs: 3
  batch_size: 8
  workers: 2
  schedule: "off"
logging:
  level: error
`, filepath.Join(dir, "data", "interactions.db"), filepath.Join(dir, "artifacts"))
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestLogAndStats(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "", "--config", cfg, "log", "--type", "music", "pon", "música")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged interaction 1")

	_, err = run(t, "", "--config", cfg, "log", "--type", "dance", "baila")
	assert.Error(t, err)

	out, err = run(t, "", "--config", cfg, "stats", "--json")
	require.NoError(t, err)
	var stats models.InteractionStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.TotalInteractions)
	assert.Equal(t, 1, stats.CommandTypes[models.CommandMusic])

	out, err = run(t, "", "--config", cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Música")

	out, err = run(t, "", "--config", cfg, "export", "--format", "csv")
	require.NoError(t, err)
	assert.Contains(t, out, "pon música,,music")

	_, err = run(t, "", "--config", cfg, "export", "--format", "xml")
	assert.Error(t, err)
}

func TestPredictBeforeTraining(t *testing.T) {
	_, err := run(t, "", "--config", writeTestConfig(t), "predict", "hola")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intentctl train")
}

func TestTrainOnSeedCorpusThenPredict(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "", "--config", cfg, "train")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Training completed")
	assert.Contains(t, out, "seed corpus true")

	out, err = run(t, "", "--config", cfg, "predict", "--json", "qué", "hora", "es")
	require.NoError(t, err)
	var pred models.Prediction
	require.NoError(t, json.Unmarshal([]byte(out), &pred))
	assert.Len(t, pred.AllProbabilities, len(models.KnownCommandTypes))
	assert.NotEmpty(t, pred.ModelVersion)

	out, err = run(t, "", "--config", cfg, "versions")
	require.NoError(t, err)
	assert.Contains(t, out, pred.ModelVersion)

	out, err = run(t, "", "--config", cfg, "runs", "--json")
	require.NoError(t, err)
	var runs []models.TrainingRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, models.StateDone, runs[0].State)

	out, err = run(t, "", "--config", cfg, "runs", runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Confusion matrix")
}

func TestRecommend(t *testing.T) {
	out, err := run(t, "", "--config", writeTestConfig(t), "recommend")
	require.NoError(t, err)
	assert.Contains(t, out, "No hay suficientes datos")
}

func TestShellRoutesLines(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "¿qué hora es?\n\nabre github\nsalir\nignored\n", "--config", cfg, "shell")
	require.NoError(t, err)
	assert.Contains(t, out, "[time] Consultando la hora")
	assert.Contains(t, out, "[navigation] Abriendo")

	out, err = run(t, "", "--config", cfg, "stats", "--json")
	require.NoError(t, err)
	var stats models.InteractionStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.TotalInteractions)
}

func TestShellStopsWhenCancelled(t *testing.T) {
	cfg := writeTestConfig(t)
	pr, pw := io.Pipe()
	defer pw.Close()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(pr)
	cmd.SetArgs([]string{"--config", cfg, "shell"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	// The write returns once the shell has read the line.
	_, err := pw.Write([]byte("¿qué hora es?\n"))
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("shell kept running after cancellation")
	}

	// The input was closed, so the line reader has returned too.
	_, err = pw.Write([]byte("otra línea\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
