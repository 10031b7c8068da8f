package mediamtx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onvifcam/gateway/io/file"
	"github.com/onvifcam/gateway/log"
	"github.com/onvifcam/gateway/process"
)

// ErrMediaDead is returned when the media server crashed more often than
// the restart budget allows. Stop resets the budget.
var ErrMediaDead = errors.New("media server is unrecoverable")

// State of the media server process.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateCrashed    State = "crashed"
)

// Status describes the media server process.
type Status struct {
	State    State
	PID      int32
	Since    time.Time
	ExitCode int
}

// ControllerConfig is the configuration for a new Controller.
type ControllerConfig struct {
	Binary     string // Path to the media server binary.
	ConfigPath string // Where the generated configuration is written.
	APIAddress string // host:port of the control API.

	// HotReload indicates that the media server picks up config file
	// changes by itself. Without it, a running server is killed and
	// respawned on every apply.
	HotReload bool

	MaxRestarts   int           // Allowed unexpected exits per window. Defaults to 5.
	RestartWindow time.Duration // Rolling window for the restart budget. Defaults to 60s.

	Logger log.Logger
}

// Controller owns the external media server process. All lifecycle
// operations are gated through a single lock; concurrent callers queue.
type Controller struct {
	binary     string
	configPath string
	hotReload  bool

	maxRestarts   int
	restartWindow time.Duration

	api    *APIClient
	logger log.Logger

	proc process.Process

	// applyLock serializes Apply and Stop; a second caller queues here
	applyLock sync.Mutex

	// lock guards the crash bookkeeping and watchdog state below. It is
	// never held while calling into the process, since process callbacks
	// take it as well.
	lock sync.Mutex

	started bool
	dead    bool
	exits   []time.Time

	// exits the controller caused itself (reload kills, watchdog
	// restarts); they don't count against the restart budget
	expectedKills int

	watchdog struct {
		cancel context.CancelFunc
		seen   map[string]uint64
		stale  map[string]time.Time
	}
}

// NewController creates a controller for the media server binary. The
// process is not started until the first Apply.
func NewController(c ControllerConfig) (*Controller, error) {
	ctrl := &Controller{
		binary:        c.Binary,
		configPath:    c.ConfigPath,
		hotReload:     c.HotReload,
		maxRestarts:   c.MaxRestarts,
		restartWindow: c.RestartWindow,
		api:           NewAPIClient(c.APIAddress),
		logger:        c.Logger,
	}

	if len(ctrl.binary) == 0 {
		return nil, fmt.Errorf("no media server binary given")
	}

	if len(ctrl.configPath) == 0 {
		ctrl.configPath = "mediamtx.yml"
	}

	if ctrl.maxRestarts <= 0 {
		ctrl.maxRestarts = 5
	}

	if ctrl.restartWindow <= 0 {
		ctrl.restartWindow = 60 * time.Second
	}

	if ctrl.logger == nil {
		ctrl.logger = log.New("MediaServer")
	}

	proc, err := process.New(process.Config{
		Binary:         ctrl.binary,
		Args:           []string{ctrl.configPath},
		Reconnect:      true,
		ReconnectDelay: 2 * time.Second,
		KillTimeout:    10 * time.Second,
		OnExit:         ctrl.onExit,
		Logger:         ctrl.logger,
	})
	if err != nil {
		return nil, err
	}

	ctrl.proc = proc

	return ctrl, nil
}

// onExit accounts unexpected exits against the restart budget.
func (c *Controller) onExit(state string, exitCode int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.started {
		// Exit caused by Stop
		return
	}

	if c.expectedKills > 0 {
		c.expectedKills--
		return
	}

	now := time.Now()
	c.exits = append(c.exits, now)

	// Drop exits that left the rolling window
	for len(c.exits) > 0 && now.Sub(c.exits[0]) > c.restartWindow {
		c.exits = c.exits[1:]
	}

	c.logger.WithFields(log.Fields{
		"state":     state,
		"exit_code": exitCode,
		"exits":     len(c.exits),
	}).Warn().Log("Media server exited unexpectedly")

	if len(c.exits) > c.maxRestarts {
		c.logger.Error().Log("Restart budget exhausted (%d in %s), giving up", len(c.exits), c.restartWindow)

		c.dead = true
		c.started = false

		// Keep the order at "stop" so the reconnect timer doesn't fire
		go c.proc.Stop(false)
	}
}

// Apply writes the configuration document atomically and makes sure the
// media server runs with it. At most one apply is in flight; a second
// caller blocks until the first one finished.
func (c *Controller) Apply(ctx context.Context, doc *Document) error {
	c.applyLock.Lock()
	defer c.applyLock.Unlock()

	c.lock.Lock()
	dead := c.dead
	c.lock.Unlock()

	if dead {
		return ErrMediaDead
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := file.WriteSafe(c.configPath, data); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	c.logger.WithFields(log.Fields{
		"file":  c.configPath,
		"paths": len(doc.Paths),
	}).Info().Log("Applied configuration")

	c.lock.Lock()
	started := c.started
	c.started = true
	c.lock.Unlock()

	if !started {
		return c.proc.Start()
	}

	if !c.hotReload {
		// The server doesn't watch its config file; kill it and let the
		// process wrapper respawn it with the new file.
		c.lock.Lock()
		c.expectedKills++
		c.lock.Unlock()

		return c.proc.Kill(false)
	}

	return nil
}

// WaitPathReady polls the control API until the named path reports ready
// or the context expires.
func (c *Controller) WaitPathReady(ctx context.Context, name string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.api.PathReady(ctx, name) {
				return nil
			}
		}
	}
}

// Status returns the state of the media server process. Crashed is only
// reported once the restart budget is exhausted; an exit within the budget,
// while its restart is pending, is reported as running.
func (c *Controller) Status() Status {
	ps := c.proc.Status()

	s := Status{
		State: StateNotStarted,
	}

	switch ps.State {
	case "running", "starting", "finishing":
		s.State = StateRunning
		s.PID = ps.PID
		s.Since = ps.Time
	case "failed", "killed":
		s.State = StateCrashed
		s.ExitCode = ps.ExitCode
	}

	c.lock.Lock()
	if c.dead {
		s.State = StateCrashed
	} else if !c.started {
		s.State = StateNotStarted
	} else if s.State == StateCrashed {
		s.State = StateRunning
	}
	c.lock.Unlock()

	return s
}

// Stop terminates the media server, waits for it to exit, and resets the
// restart budget.
func (c *Controller) Stop(ctx context.Context) error {
	c.applyLock.Lock()
	defer c.applyLock.Unlock()

	c.lock.Lock()
	c.started = false
	c.dead = false
	c.exits = nil
	c.lock.Unlock()

	done := make(chan struct{})

	go func() {
		c.proc.Stop(true)
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	return nil
}

// StartWatchdog starts a background loop that restarts the media server
// when a published path stays ready but stops delivering bytes for longer
// than staleAfter. It recovers encoders whose upstream silently died.
func (c *Controller) StartWatchdog(interval, staleAfter time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())

	c.lock.Lock()
	if c.watchdog.cancel != nil {
		c.watchdog.cancel()
	}
	c.watchdog.cancel = cancel
	c.watchdog.seen = map[string]uint64{}
	c.watchdog.stale = map[string]time.Time{}
	c.lock.Unlock()

	go c.watch(ctx, interval, staleAfter)
}

// StopWatchdog stops the health loop.
func (c *Controller) StopWatchdog() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.watchdog.cancel != nil {
		c.watchdog.cancel()
		c.watchdog.cancel = nil
	}
}

func (c *Controller) watch(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkStreamHealth(staleAfter)
		}
	}
}

func (c *Controller) checkStreamHealth(staleAfter time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	paths, err := c.api.Paths(ctx)
	cancel()

	if err != nil {
		return
	}

	c.lock.Lock()

	now := time.Now()
	restart := false

	for _, path := range paths {
		if !path.Ready || path.Source.Type != "rtspSession" {
			delete(c.watchdog.stale, path.Name)
			c.watchdog.seen[path.Name] = path.BytesReceived
			continue
		}

		if path.BytesReceived != c.watchdog.seen[path.Name] {
			c.watchdog.seen[path.Name] = path.BytesReceived
			delete(c.watchdog.stale, path.Name)
			continue
		}

		since, ok := c.watchdog.stale[path.Name]
		if !ok {
			c.watchdog.stale[path.Name] = now
			continue
		}

		if now.Sub(since) > staleAfter {
			c.logger.WithField("path", path.Name).Warn().Log("Stream stalled for %s, restarting media server", now.Sub(since))
			restart = true
		}
	}

	if restart {
		c.watchdog.stale = map[string]time.Time{}
		c.expectedKills++
	}

	c.lock.Unlock()

	if restart {
		c.proc.Kill(false)
	}
}
