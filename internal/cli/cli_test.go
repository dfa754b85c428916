package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slot-upload-daemon/internal/config"
	"slot-upload-daemon/internal/ingest"
	"slot-upload-daemon/internal/recording"
	"slot-upload-daemon/internal/store"
	"slot-upload-daemon/internal/transport"
)

func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.DeviceID = "dev-1"
	cfg.Timezone = "Asia/Tokyo"
	path := filepath.Join(dir, "config.json")
	require.NoError(t, config.Save(path, cfg))
	return path, cfg
}

func writeCapture(t *testing.T, cfg *config.Config, name string, data []byte) {
	t.Helper()
	p := filepath.Join(cfg.DataPath, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
}

func seed(t *testing.T, cfg *config.Config, fn func(ctx context.Context, repo *recording.Repository)) {
	t.Helper()
	s, err := store.NewStore(cfg.DBPath)
	require.NoError(t, err)
	defer s.Close()
	fn(context.Background(), recording.NewRepository(s, cfg.DataPath, nil))
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func stubTransport(t *testing.T, fn transport.Func) *[]string {
	t.Helper()
	var keys []string
	var mu sync.Mutex
	orig := newTransport
	newTransport = func(ctx context.Context, cfg *config.Config, deviceID string, logger *slog.Logger) (transport.Transport, error) {
		return transport.Func(func(ctx context.Context, localPath, objectKey string) (string, error) {
			mu.Lock()
			keys = append(keys, objectKey)
			mu.Unlock()
			return fn(ctx, localPath, objectKey)
		}), nil
	}
	t.Cleanup(func() { newTransport = orig })
	return &keys
}

func TestSlotCmdUsesConfiguredTimezone(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, SlotCmd(cfgPath), "--at", "2024-01-15T00:45:00Z")
	require.NoError(t, err)

	assert.Contains(t, out, "Slot:       2024-01-15 09-30")
	assert.Contains(t, out, "File:       2024-01-15/raw/09-30.wav")
	assert.Contains(t, out, "Object key: dev-1/2024-01-15/raw/09-30.wav")
	assert.Contains(t, out, "2024-01-15T10:00:00+09:00 (in 15m0s)")
}

func TestLedgerListAndExport(t *testing.T) {
	cfgPath, cfg := writeConfig(t)
	writeCapture(t, cfg, "2024-01-15/raw/09-00.wav", []byte("audio"))
	writeCapture(t, cfg, "2024-01-15/raw/09-30.wav", []byte{})
	seed(t, cfg, func(ctx context.Context, repo *recording.Repository) {
		_, err := repo.Register(ctx, "2024-01-15/raw/09-00.wav", time.Time{})
		require.NoError(t, err)
		_, err = repo.Register(ctx, "2024-01-15/raw/09-30.wav", time.Time{})
		require.NoError(t, err)
		_, err = repo.MarkUploaded(ctx, "2024-01-15/raw/09-00.wav", "https://remote/09-00")
		require.NoError(t, err)
	})

	out, err := execute(t, LedgerCmd(cfgPath, nil), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2024-01-15/raw/09-00.wav")
	assert.Contains(t, out, "RECORDING_FAILED")

	out, err = execute(t, LedgerCmd(cfgPath, nil), "list", "--pending")
	require.NoError(t, err)
	assert.NotContains(t, out, "09-00.wav")

	out, err = execute(t, LedgerCmd(cfgPath, nil), "export")
	require.NoError(t, err)
	var snap map[string]store.Status
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap, 2)
	assert.True(t, snap["2024-01-15/raw/09-00.wav"].IsUploaded)
	assert.False(t, snap["2024-01-15/raw/09-30.wav"].IsUploaded)
}

func TestUploadOneReportsEmptyCapture(t *testing.T) {
	cfgPath, cfg := writeConfig(t)
	keys := stubTransport(t, func(ctx context.Context, localPath, objectKey string) (string, error) {
		return "https://remote/" + objectKey, nil
	})
	writeCapture(t, cfg, "2024-01-15/raw/09-30.wav", []byte{})

	out, err := execute(t, UploadCmd(cfgPath, nil), "one", "2024-01-15/raw/09-30.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, recording.ErrEmptyFile)
	assert.Contains(t, out, "capture is empty")
	assert.Empty(t, *keys)
}

func TestUploadForceResendsUploadedRecording(t *testing.T) {
	cfgPath, cfg := writeConfig(t)
	keys := stubTransport(t, func(ctx context.Context, localPath, objectKey string) (string, error) {
		return "https://remote/" + objectKey, nil
	})
	writeCapture(t, cfg, "2024-01-15/raw/09-00.wav", []byte("audio"))
	seed(t, cfg, func(ctx context.Context, repo *recording.Repository) {
		_, err := repo.MarkUploaded(ctx, "2024-01-15/raw/09-00.wav", "https://remote/old")
		require.NoError(t, err)
	})

	out, err := execute(t, UploadCmd(cfgPath, nil), "one", "2024-01-15/raw/09-00.wav")
	require.Error(t, err)
	assert.Contains(t, out, "upload force")

	out, err = execute(t, UploadCmd(cfgPath, nil), "force", "2024-01-15/raw/09-00.wav")
	require.NoError(t, err)
	assert.Contains(t, out, "Uploaded 2024-01-15/raw/09-00.wav")
	assert.Equal(t, []string{"dev-1/2024-01-15/raw/09-00.wav"}, *keys)
}

func TestUploadBacklogSummary(t *testing.T) {
	cfgPath, cfg := writeConfig(t)
	stubTransport(t, func(ctx context.Context, localPath, objectKey string) (string, error) {
		if strings.HasSuffix(objectKey, "10-00.wav") {
			return "", &transport.Failure{StatusCode: 503, Err: errors.New("unavailable")}
		}
		return "https://remote/" + objectKey, nil
	})
	for _, name := range []string{"2024-01-15/raw/09-30.wav", "2024-01-15/raw/10-00.wav"} {
		writeCapture(t, cfg, name, []byte("audio"))
	}
	seed(t, cfg, func(ctx context.Context, repo *recording.Repository) {
		for _, name := range []string{"2024-01-15/raw/09-30.wav", "2024-01-15/raw/10-00.wav"} {
			_, err := repo.Register(ctx, name, time.Time{})
			require.NoError(t, err)
		}
	})

	out, err := execute(t, UploadCmd(cfgPath, nil), "backlog")
	require.Error(t, err)
	assert.Contains(t, out, "Uploaded 1, failed 1, skipped 0.")
	assert.Contains(t, out, "retried automatically")
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{recording.ErrFileMissing, "missing on disk"},
		{ingest.ErrAlreadyInFlight, "already running"},
		{context.Canceled, "stays pending"},
		{&transport.Failure{StatusCode: 401, Err: errors.New("unauthorized")}, "sud pair"},
		{&transport.Failure{StatusCode: 400, Err: errors.New("bad request")}, "Upload failed"},
	}
	for _, tc := range cases {
		assert.Contains(t, describe(tc.err), tc.want)
	}
	assert.NotContains(t, describe(&transport.Failure{StatusCode: 400, Err: errors.New("bad")}), "retried")
}
