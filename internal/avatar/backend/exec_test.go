package backend

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// renderer writes script to a file and runs it with sh. The script sees the
// appended flag as $1 and the model path as $2.
func renderer(t *testing.T, script string) *Exec {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renderer.sh")
	require.NoError(t, os.WriteFile(path, []byte(script+"\n"), 0o755))
	e, err := NewExec("sh "+path, discardLogger())
	require.NoError(t, err)
	return e
}

func bitHumanRequest() avatar.SessionRequest {
	return avatar.SessionRequest{
		Provider:            avatar.ProviderBitHuman,
		ParticipantIdentity: "bithuman-avatar-agent",
		Params:              map[string]string{"model_path": "/models/kai.imx"},
	}
}

func TestExecRendererLifecycle(t *testing.T) {
	requireShell(t)
	r := require.New(t)
	e := renderer(t, `read line; echo "{\"event\":\"joined\",\"sink\":\"local:$2\"}"; echo "{\"event\":\"ready\"}"; exec sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := e.Open(ctx, bitHumanRequest())
	r.NoError(err)

	sink, err := h.Join(ctx, testRoom("kai-room"))
	r.NoError(err)
	r.Equal("local:/models/kai.imx", sink.Name())
	r.NoError(h.Ready(ctx))

	_, err = h.Join(ctx, testRoom("kai-room"))
	r.Error(err)

	r.NoError(h.Close(ctx))
}

func TestExecDefaultSink(t *testing.T) {
	requireShell(t)
	e := renderer(t, `echo "{\"event\":\"joined\"}"; exec sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := e.Open(ctx, bitHumanRequest())
	require.NoError(t, err)
	sink, err := h.Join(ctx, testRoom("kai-room"))
	require.NoError(t, err)
	require.Equal(t, "bithuman:bithuman-avatar-agent", sink.Name())
	require.NoError(t, h.Close(ctx))
}

func TestExecRendererReportsError(t *testing.T) {
	requireShell(t)
	e := renderer(t, `echo "{\"event\":\"error\",\"message\":\"model not found\"}"; exec sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := e.Open(ctx, bitHumanRequest())
	require.NoError(t, err)
	_, err = h.Join(ctx, testRoom("kai-room"))
	require.ErrorContains(t, err, "model not found")
	require.NoError(t, h.Close(ctx))
}

func TestExecRendererExitsEarly(t *testing.T) {
	requireShell(t)
	e := renderer(t, `echo "license expired" >&2; exit 3`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := e.Open(ctx, bitHumanRequest())
	require.NoError(t, err)
	_, err = h.Join(ctx, testRoom("kai-room"))
	require.ErrorContains(t, err, "license expired")
}

func TestExecRequiresModelPath(t *testing.T) {
	e, err := NewExec("renderer --fps 25", discardLogger())
	require.NoError(t, err)
	_, err = e.Open(context.Background(), avatar.SessionRequest{Provider: avatar.ProviderBitHuman})
	require.ErrorContains(t, err, "model_path")

	h, err := e.Open(context.Background(), bitHumanRequest())
	require.NoError(t, err)
	require.ErrorContains(t, h.Ready(context.Background()), "not joined")
	require.NoError(t, h.Close(context.Background()))
}

func TestNewExecRejectsEmptyCommand(t *testing.T) {
	_, err := NewExec("   ", discardLogger())
	require.Error(t, err)
}
