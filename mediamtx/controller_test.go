package mediamtx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onvifcam/gateway/config"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mediamtx")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))

	return path
}

func testDocument() *Document {
	compiler := &Compiler{FFmpegBinary: "/usr/bin/ffmpeg"}

	return compiler.Compile([]*config.Camera{testCamera(1, "Front Door", "front_door")}, config.DefaultSettings())
}

func TestControllerNoBinary(t *testing.T) {
	_, err := NewController(ControllerConfig{})
	require.Error(t, err)
}

func TestControllerApplyStartsProcess(t *testing.T) {
	binary := writeScript(t, "sleep 60")
	configPath := filepath.Join(t.TempDir(), "mediamtx.yml")

	ctrl, err := NewController(ControllerConfig{
		Binary:     binary,
		ConfigPath: configPath,
		APIAddress: "127.0.0.1:9997",
		HotReload:  true,
	})
	require.NoError(t, err)

	require.Equal(t, StateNotStarted, ctrl.Status().State)

	require.NoError(t, ctrl.Apply(context.Background(), testDocument()))

	require.Eventually(t, func() bool {
		return ctrl.Status().State == StateRunning
	}, 10*time.Second, 100*time.Millisecond)

	require.Greater(t, ctrl.Status().PID, int32(0))

	// the config file has been written
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "front_door_main")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, ctrl.Stop(ctx))
	require.Equal(t, StateNotStarted, ctrl.Status().State)
}

func TestControllerApplyCancelled(t *testing.T) {
	binary := writeScript(t, "sleep 60")

	ctrl, err := NewController(ControllerConfig{
		Binary:     binary,
		ConfigPath: filepath.Join(t.TempDir(), "mediamtx.yml"),
		APIAddress: "127.0.0.1:9997",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = ctrl.Apply(ctx, testDocument())
	require.ErrorIs(t, err, context.Canceled)
}

func TestControllerRestartStormCap(t *testing.T) {
	// exits immediately, so every restart fails again
	binary := writeScript(t, "exit 1")
	configPath := filepath.Join(t.TempDir(), "mediamtx.yml")

	ctrl, err := NewController(ControllerConfig{
		Binary:     binary,
		ConfigPath: configPath,
		APIAddress: "127.0.0.1:9997",
		HotReload:  true,
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Apply(context.Background(), testDocument()))

	// 5 restarts are granted, the 6th exit within the window gives up
	require.Eventually(t, func() bool {
		return ctrl.Status().State == StateCrashed
	}, 30*time.Second, 250*time.Millisecond)

	err = ctrl.Apply(context.Background(), testDocument())
	require.ErrorIs(t, err, ErrMediaDead)

	// Stop resets the budget and allows a new Apply
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, ctrl.Stop(ctx))
	require.NoError(t, ctrl.Apply(context.Background(), testDocument()))

	ctrl.Stop(ctx)
}

func TestControllerWaitPathReadyTimeout(t *testing.T) {
	ctrl, err := NewController(ControllerConfig{
		Binary:     "mediamtx",
		ConfigPath: filepath.Join(t.TempDir(), "mediamtx.yml"),
		APIAddress: "127.0.0.1:1", // nothing listens here
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = ctrl.WaitPathReady(ctx, "front_door_main")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
