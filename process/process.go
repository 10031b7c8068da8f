// Package process is a wrapper of exec.Cmd for controlling long-running
// child processes such as the media server or a DHCP client. The child is
// started in its own session (process group) so that killing it reliably
// takes the whole tree down, and it can be configured to restart itself
// after it exited.
package process

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/onvifcam/gateway/log"
)

// Process represents a supervised child process.
type Process interface {
	// Status returns the current status of this process.
	Status() Status

	// Start starts the process. If the process stops by itself it will
	// restart automatically if it is configured to do so.
	Start() error

	// Stop stops the process and will not let it restart automatically.
	// With wait set, Stop returns after the process exited.
	Stop(wait bool) error

	// Kill stops the process such that it will restart automatically if it
	// is configured to do so.
	Kill(wait bool) error

	// IsRunning returns whether the process is currently running.
	IsRunning() bool
}

// Config is the configuration of a process.
type Config struct {
	Binary         string                           // Path to the binary.
	Args           []string                         // List of arguments for the binary.
	Reconnect      bool                             // Whether to restart the process if it exited.
	ReconnectDelay time.Duration                    // Duration to wait before restarting the process.
	KillTimeout    time.Duration                    // How long to wait after terminate before SIGKILL. Defaults to 5s.
	OnStart        func()                           // Called after the process started.
	OnExit         func(state string, exitCode int) // Called after the process exited.
	OnStateChange  func(from, to string)            // Called after a state changed.
	Logger         log.Logger
}

// Status represents the current status of a process.
type Status struct {
	PID         int32         // Last known process ID, -1 if not running.
	State       string        // Current state, see stateType.
	States      States        // Cumulative history of states the process had.
	Order       string        // Wanted condition, either "start" or "stop".
	Time        time.Time     // Time of the last state change.
	Duration    time.Duration // Time since the last state change.
	ExitCode    int           // Exit code of the last exit, -1 while running.
	LastLine    string        // Last line the process wrote to its output.
	CommandArgs []string      // The command line of the process.
}

// States is the cumulative history of states a process had.
type States struct {
	Finished  uint64
	Starting  uint64
	Running   uint64
	Finishing uint64
	Failed    uint64
	Killed    uint64
}

// The states a process can be in:
//
//	finished - the process exited normally or hasn't been started yet
//	starting - the process is about to start
//	running - the process is running
//	finishing - the process has been told to stop and will be killed
//	failed - the process exited with a non-zero exit code
//	killed - the process has been killed with a signal
type stateType string

const (
	stateFinished  stateType = "finished"
	stateStarting  stateType = "starting"
	stateRunning   stateType = "running"
	stateFinishing stateType = "finishing"
	stateFailed    stateType = "failed"
	stateKilled    stateType = "killed"
)

func (s stateType) String() string {
	return string(s)
}

// IsRunning returns whether the state represents a running process.
func (s stateType) IsRunning() bool {
	return s == stateStarting || s == stateRunning || s == stateFinishing
}

type process struct {
	binary string
	args   []string
	cmd    *exec.Cmd
	pid    atomic.Int32

	state struct {
		state    stateType
		time     time.Time
		states   States
		exitCode int
		lastLine string
		lock     sync.RWMutex
	}

	order struct {
		order string
		lock  sync.Mutex
	}

	reconn struct {
		enable bool
		delay  time.Duration
		timer  *time.Timer
		lock   sync.Mutex
	}

	killTimeout   time.Duration
	killTimer     *time.Timer
	killTimerLock sync.Mutex

	callbacks struct {
		onStart       func()
		onExit        func(state string, exitCode int)
		onStateChange func(from, to string)
		lock          sync.Mutex
	}

	logger log.Logger
}

var _ Process = &process{}

// New creates a new process wrapper. The process is not started.
func New(config Config) (Process, error) {
	p := &process{
		binary:      config.Binary,
		killTimeout: config.KillTimeout,
		logger:      config.Logger,
	}

	if len(p.binary) == 0 {
		return nil, fmt.Errorf("no valid binary given")
	}

	if p.killTimeout <= 0 {
		p.killTimeout = 5 * time.Second
	}

	if p.logger == nil {
		p.logger = log.New("Process")
	}

	p.args = make([]string, len(config.Args))
	copy(p.args, config.Args)

	p.pid.Store(-1)

	p.setOrder("stop")
	p.initState(stateFinished)

	p.reconn.enable = config.Reconnect
	p.reconn.delay = config.ReconnectDelay

	p.callbacks.onStart = config.OnStart
	p.callbacks.onExit = config.OnExit
	p.callbacks.onStateChange = config.OnStateChange

	return p, nil
}

func (p *process) initState(state stateType) {
	p.state.lock.Lock()
	defer p.state.lock.Unlock()

	p.state.state = state
	p.state.time = time.Now()
	p.state.exitCode = -1
}

// setState sets a new state and checks whether the transition is allowed.
// It returns the previous state or an error.
func (p *process) setState(state stateType) (stateType, error) {
	p.state.lock.Lock()
	defer p.state.lock.Unlock()

	prevState := p.state.state

	if prevState == state {
		return prevState, nil
	}

	allowed := false

	switch prevState {
	case stateFinished, stateFailed, stateKilled:
		allowed = state == stateStarting
	case stateStarting:
		allowed = state == stateRunning || state == stateFinishing || state == stateFailed
	case stateRunning:
		allowed = state == stateFinished || state == stateFinishing || state == stateFailed || state == stateKilled
	case stateFinishing:
		allowed = state == stateFinished || state == stateFailed || state == stateKilled
	}

	if !allowed {
		return "", fmt.Errorf("can't change from state %s to %s", prevState, state)
	}

	p.state.state = state
	p.state.time = time.Now()

	switch state {
	case stateFinished:
		p.state.states.Finished++
	case stateStarting:
		p.state.states.Starting++
	case stateRunning:
		p.state.states.Running++
	case stateFinishing:
		p.state.states.Finishing++
	case stateFailed:
		p.state.states.Failed++
	case stateKilled:
		p.state.states.Killed++
	}

	if p.callbacks.onStateChange != nil {
		p.callbacks.onStateChange(prevState.String(), state.String())
	}

	return prevState, nil
}

func (p *process) getState() stateType {
	p.state.lock.RLock()
	defer p.state.lock.RUnlock()

	return p.state.state
}

func (p *process) isRunning() bool {
	p.state.lock.RLock()
	defer p.state.lock.RUnlock()

	return p.state.state.IsRunning()
}

func (p *process) getOrder() string {
	p.order.lock.Lock()
	defer p.order.lock.Unlock()

	return p.order.order
}

// setOrder sets the order to the given value. If the order already has that
// value, it returns true.
func (p *process) setOrder(order string) bool {
	p.order.lock.Lock()
	defer p.order.lock.Unlock()

	if p.order.order == order {
		return true
	}

	p.order.order = order

	return false
}

// Status returns the current status of the process.
func (p *process) Status() Status {
	p.state.lock.RLock()
	state := p.state.state
	stateTime := p.state.time
	states := p.state.states
	exitCode := p.state.exitCode
	lastLine := p.state.lastLine
	p.state.lock.RUnlock()

	s := Status{
		PID:      p.pid.Load(),
		State:    state.String(),
		States:   states,
		Order:    p.getOrder(),
		Time:     stateTime,
		Duration: time.Since(stateTime),
		ExitCode: exitCode,
		LastLine: lastLine,
	}

	s.CommandArgs = make([]string, len(p.args))
	copy(s.CommandArgs, p.args)

	return s
}

func (p *process) IsRunning() bool {
	return p.isRunning()
}

// Start will start the process and sets the order to "start". If the
// process already has the "start" order, nothing will be done.
func (p *process) Start() error {
	if p.setOrder("start") {
		return nil
	}

	return p.start()
}

// start will start the process considering the current order.
func (p *process) start() error {
	if p.isRunning() {
		return nil
	}

	// Stop any restart timer in order to start the process immediately
	p.unreconnect()

	p.setState(stateStarting)

	p.logger.WithField("binary", p.binary).Info().Log("Starting")

	p.cmd = exec.Command(p.binary, p.args...)
	p.cmd.SysProcAttr = processGroupAttr()
	p.cmd.Env = os.Environ()

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		p.setState(stateFailed)
		p.reconnect()

		return err
	}

	p.cmd.Stderr = p.cmd.Stdout

	if err := p.cmd.Start(); err != nil {
		p.setState(stateFailed)
		p.logger.WithError(err).Error().Log("Starting failed")
		p.reconnect()

		p.callbacks.lock.Lock()
		if p.callbacks.onExit != nil {
			p.callbacks.onExit(stateFailed.String(), -1)
		}
		p.callbacks.lock.Unlock()

		return err
	}

	p.pid.Store(int32(p.cmd.Process.Pid))

	p.state.lock.Lock()
	p.state.exitCode = -1
	p.state.lock.Unlock()

	p.setState(stateRunning)

	p.logger.WithField("pid", p.pid.Load()).Info().Log("Started")

	if p.callbacks.onStart != nil {
		p.callbacks.onStart()
	}

	go p.reader(stdout)

	return nil
}

// Stop will stop the process and set the order to "stop".
func (p *process) Stop(wait bool) error {
	if p.setOrder("stop") {
		return nil
	}

	return p.stop(wait)
}

// Kill will stop the process without changing the order such that it will
// restart automatically if enabled.
func (p *process) Kill(wait bool) error {
	if !p.isRunning() {
		return nil
	}

	return p.stop(wait)
}

// stop stops a process considering the current order and state.
func (p *process) stop(wait bool) error {
	p.unreconnect()

	if !p.isRunning() {
		return nil
	}

	// If the process is starting, wait until it settled
	for p.getState() == stateStarting {
		time.Sleep(100 * time.Millisecond)
	}

	// If the process is already in the finishing state, don't do anything
	if state, _ := p.setState(stateFinishing); state == stateFinishing {
		return nil
	}

	p.logger.Info().Log("Stopping")

	wg := sync.WaitGroup{}

	if wait {
		wg.Add(1)

		p.callbacks.lock.Lock()
		cb := p.callbacks.onExit
		p.callbacks.onExit = func(state string, exitCode int) {
			if cb != nil {
				cb(state, exitCode)
			}
			wg.Done()

			p.callbacks.onExit = cb
		}
		p.callbacks.lock.Unlock()
	}

	if runtime.GOOS == "windows" {
		// Windows doesn't know SIGTERM
		p.cmd.Process.Kill()
	} else {
		// Terminate the whole process group such that children of the
		// child (e.g. encoder shells) go down with it.
		terminateGroup(p.cmd.Process.Pid)
	}

	// Set up a timer to kill the process group with SIGKILL in case the
	// termination signal didn't have an effect.
	p.killTimerLock.Lock()
	p.killTimer = time.AfterFunc(p.killTimeout, func() {
		p.logger.Warn().Log("Killing because it didn't terminate in time")
		killGroup(p.cmd.Process.Pid)
	})
	p.killTimerLock.Unlock()

	if wait {
		wg.Wait()
	}

	return nil
}

// reconnect sets up a timer to restart the process.
func (p *process) reconnect() {
	if !p.reconn.enable || p.getOrder() != "start" {
		return
	}

	p.reconn.lock.Lock()
	defer p.reconn.lock.Unlock()

	if p.reconn.timer != nil {
		p.reconn.timer.Stop()
	}

	p.logger.Info().Log("Scheduling restart in %s", p.reconn.delay)

	p.reconn.timer = time.AfterFunc(p.reconn.delay, func() {
		p.start()
	})
}

// unreconnect stops the restart timer.
func (p *process) unreconnect() {
	p.reconn.lock.Lock()
	defer p.reconn.lock.Unlock()

	if p.reconn.timer == nil {
		return
	}

	p.reconn.timer.Stop()
	p.reconn.timer = nil
}

// reader reads the combined output of the process line by line and hands it
// to the logger. When the output is exhausted, the process has exited and
// the waiter takes over.
func (p *process) reader(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}

		p.state.lock.Lock()
		p.state.lastLine = line
		p.state.lock.Unlock()

		p.logger.Debug().Log("%s", line)
	}

	p.waiter()
}

// waiter waits for the process to finish. If enabled, the process will be
// scheduled for a restart.
func (p *process) waiter() {
	state := stateFinished
	exitCode := 0

	if err := p.cmd.Wait(); err != nil {
		if exiterr, ok := err.(*exec.ExitError); ok {
			status := exiterr.Sys().(syscall.WaitStatus)

			if status.Exited() {
				// The process exited by itself with a non-zero return code
				state = stateFailed
				exitCode = status.ExitStatus()
			} else {
				// The process has been killed with a signal
				state = stateKilled
				exitCode = -1
			}
		} else {
			state = stateKilled
			exitCode = -1
		}
	}

	p.setState(state)
	p.pid.Store(-1)

	p.state.lock.Lock()
	p.state.exitCode = exitCode
	p.state.lock.Unlock()

	p.logger.WithFields(log.Fields{
		"state":     state.String(),
		"exit_code": exitCode,
	}).Info().Log("Stopped")

	// Stop the kill timer
	p.killTimerLock.Lock()
	if p.killTimer != nil {
		p.killTimer.Stop()
		p.killTimer = nil
	}
	p.killTimerLock.Unlock()

	// Restart the process
	if p.getOrder() == "start" {
		p.reconnect()
	}

	p.callbacks.lock.Lock()
	if p.callbacks.onExit != nil {
		p.callbacks.onExit(state.String(), exitCode)
	}
	p.callbacks.lock.Unlock()
}
