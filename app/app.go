// Package app is the composition root of the gateway. It loads the
// configuration, probes host capabilities, builds the supervisor, and runs
// the fleet until it is told to stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/onvifcam/gateway/config"
	"github.com/onvifcam/gateway/log"
	"github.com/onvifcam/gateway/mediamtx"
	"github.com/onvifcam/gateway/nic"
	"github.com/onvifcam/gateway/onvif"
	"github.com/onvifcam/gateway/supervisor"
)

// Exit codes of the host process.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitBind      = 2
	ExitMediaDead = 3
)

// Config is the bootstrap configuration, taken from the environment.
type Config struct {
	ConfigFile   string // VCAM_CONFIGFILE
	MediaBinary  string // VCAM_MEDIAMTX_BINARY
	MediaConfig  string // VCAM_MEDIAMTX_CONFIG
	FFmpegBinary string // VCAM_FFMPEG_BINARY
	LogLevel     string // VCAM_LOGLEVEL

	Logger log.Logger
}

// FromEnv fills the bootstrap configuration from the environment with
// sensible defaults.
func FromEnv() Config {
	c := Config{
		ConfigFile:   os.Getenv("VCAM_CONFIGFILE"),
		MediaBinary:  os.Getenv("VCAM_MEDIAMTX_BINARY"),
		MediaConfig:  os.Getenv("VCAM_MEDIAMTX_CONFIG"),
		FFmpegBinary: os.Getenv("VCAM_FFMPEG_BINARY"),
		LogLevel:     os.Getenv("VCAM_LOGLEVEL"),
	}

	if len(c.ConfigFile) == 0 {
		c.ConfigFile = "config.json"
	}

	if len(c.MediaBinary) == 0 {
		c.MediaBinary = "mediamtx"
	}

	if len(c.MediaConfig) == 0 {
		c.MediaConfig = "mediamtx.yml"
	}

	if len(c.FFmpegBinary) == 0 {
		c.FFmpegBinary = "ffmpeg"
	}

	return c
}

// App holds the running gateway.
type App struct {
	store      *config.Store
	media      *mediamtx.Controller
	supervisor *supervisor.Supervisor
	logger     log.Logger
}

// New builds the gateway from the bootstrap configuration. The returned
// exit code is meaningful when err is non-nil.
func New(c Config) (*App, int, error) {
	logger := c.Logger
	if logger == nil {
		logger = log.New("Gateway").WithOutput(log.NewConsoleWriter(os.Stderr, log.ParseLevel(c.LogLevel), true))
	}

	a := &App{
		logger: logger,
	}

	nics := nic.New(logger.WithComponent("VirtualNIC"))

	store, err := config.NewStore(config.StoreConfig{
		Filepath:     c.ConfigFile,
		NICSupported: nics.Supported(),
		Logger:       logger.WithComponent("Config"),
	})
	if err != nil {
		return nil, ExitConfig, fmt.Errorf("invalid configuration: %w", err)
	}

	a.store = store

	settings := store.Settings()

	media, err := mediamtx.NewController(mediamtx.ControllerConfig{
		Binary:     c.MediaBinary,
		ConfigPath: c.MediaConfig,
		APIAddress: fmt.Sprintf("127.0.0.1:%d", settings.APIPort),
		HotReload:  true,
		Logger:     logger.WithComponent("MediaServer"),
	})
	if err != nil {
		return nil, ExitConfig, err
	}

	a.media = media

	sup, err := supervisor.New(supervisor.Config{
		Store:    store,
		NIC:      nics,
		Media:    media,
		Compiler: &mediamtx.Compiler{FFmpegBinary: c.FFmpegBinary},
		Logger:   logger.WithComponent("Supervisor"),
	})
	if err != nil {
		return nil, ExitConfig, err
	}

	a.supervisor = sup

	return a, ExitOK, nil
}

// Start brings up all cameras with the auto-start flag. Bind failures are
// fatal: an NVR that can't reach the advertised port would silently lose
// the camera.
func (a *App) Start(ctx context.Context) (int, error) {
	a.media.StartWatchdog(15*time.Second, 2*time.Minute)

	for _, cam := range a.store.ListCameras() {
		if !cam.AutoStart {
			continue
		}

		if err := a.supervisor.StartCamera(ctx, cam.ID); err != nil {
			a.logger.WithField("id", cam.ID).WithError(err).Error().Log("Autostart failed")

			if errors.Is(err, onvif.ErrBind) {
				return ExitBind, err
			}

			if errors.Is(err, mediamtx.ErrMediaDead) {
				return ExitMediaDead, err
			}
		}
	}

	return ExitOK, nil
}

// Supervisor exposes the control surface for the HTTP layer.
func (a *App) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// Stop takes the fleet and the media server down.
func (a *App) Stop(ctx context.Context) {
	a.media.StopWatchdog()

	if err := a.supervisor.Close(ctx); err != nil {
		a.logger.WithError(err).Warn().Log("Shutdown was not clean")
	}
}
