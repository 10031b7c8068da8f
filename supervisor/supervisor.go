// Package supervisor owns the camera set and composes the config store,
// port allocator, virtual NIC manager, recipe compiler, media server
// controller, and the per-camera ONVIF endpoints. It is the single entry
// point for starting, stopping, and mutating cameras.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onvifcam/gateway/config"
	"github.com/onvifcam/gateway/log"
	"github.com/onvifcam/gateway/mediamtx"
	gwnet "github.com/onvifcam/gateway/net"
	"github.com/onvifcam/gateway/nic"
	"github.com/onvifcam/gateway/onvif"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

var ErrNotFound = errors.New("unknown camera")

// Status of a camera.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusFailed   Status = "failed"
)

// CameraStatus is one entry of the fleet snapshot.
type CameraStatus struct {
	ID         int
	Name       string
	Status     Status
	AssignedIP string
	LastError  string
}

// MediaController is the part of the media server controller the
// supervisor drives.
type MediaController interface {
	Apply(ctx context.Context, doc *mediamtx.Document) error
	WaitPathReady(ctx context.Context, name string) error
	Status() mediamtx.Status
	Stop(ctx context.Context) error
}

// Endpoint is one running ONVIF endpoint.
type Endpoint interface {
	Start() error
	Shutdown(ctx context.Context) error
	State() string
}

// EndpointFactory builds the ONVIF endpoint of a camera. Tests inject
// fakes here.
type EndpointFactory func(c onvif.ServerConfig) (Endpoint, error)

// The port pool cameras get their ONVIF ports from.
const (
	onvifPortMin = 8001
	onvifPortMax = 8100
)

// readyTimeout is the budget for the media server to report a camera's
// paths as ready during start.
const readyTimeout = 20 * time.Second

// drainTimeout is how long ONVIF endpoints get to finish active requests
// on stop.
const drainTimeout = 2 * time.Second

// stopAllTimeout bounds a fleet-wide stop.
const stopAllTimeout = 15 * time.Second

// Config is the configuration for a new Supervisor.
type Config struct {
	Store     *config.Store
	NIC       nic.Manager
	Media     MediaController
	Compiler  *mediamtx.Compiler
	Endpoints EndpointFactory
	Logger    log.Logger
}

type cameraState struct {
	status     Status
	assignedIP string
	lastError  string
	endpoint   Endpoint

	// cancel aborts an in-flight start
	cancel context.CancelFunc
}

// Supervisor implements the control surface of the gateway.
type Supervisor struct {
	store     *config.Store
	ports     gwnet.Portranger
	nics      nic.Manager
	media     MediaController
	compiler  *mediamtx.Compiler
	endpoints EndpointFactory
	logger    log.Logger

	// global lock: fleet operations take it exclusively, per-camera
	// operations take it shared plus their per-id lock
	global sync.RWMutex

	idlocks struct {
		m    map[int]*sync.Mutex
		lock sync.Mutex
	}

	states struct {
		m    map[int]*cameraState
		lock sync.Mutex
	}

	monitorCancel context.CancelFunc
}

// New creates a Supervisor. The port allocator is seeded with the
// persisted assignments so restarts are deterministic.
func New(c Config) (*Supervisor, error) {
	s := &Supervisor{
		store:     c.Store,
		nics:      c.NIC,
		media:     c.Media,
		compiler:  c.Compiler,
		endpoints: c.Endpoints,
		logger:    c.Logger,
	}

	if s.store == nil {
		return nil, fmt.Errorf("a config store is required")
	}

	if s.media == nil {
		return nil, fmt.Errorf("a media server controller is required")
	}

	if s.nics == nil {
		s.nics = nic.NewUnsupported()
	}

	if s.compiler == nil {
		s.compiler = &mediamtx.Compiler{FFmpegBinary: "ffmpeg"}
	}

	if s.endpoints == nil {
		s.endpoints = func(c onvif.ServerConfig) (Endpoint, error) {
			return onvif.NewServer(c)
		}
	}

	if s.logger == nil {
		s.logger = log.New("Supervisor")
	}

	s.idlocks.m = map[int]*sync.Mutex{}
	s.states.m = map[int]*cameraState{}

	ports, err := gwnet.NewPortrange(onvifPortMin, onvifPortMax, s.store.Settings().ReservedPorts())
	if err != nil {
		return nil, err
	}

	s.ports = ports

	for _, cam := range s.store.ListCameras() {
		if cam.ONVIFPort != 0 {
			if err := s.ports.Claim(cam.ONVIFPort); err != nil {
				s.logger.WithField("id", cam.ID).WithError(err).Warn().Log("Conflicting persisted port")
			}
		}

		s.setState(cam.ID, func(state *cameraState) {
			state.status = StatusStopped
		})
	}

	// Leftover interfaces from a previous run
	s.nics.Sweep()

	ctx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel

	go s.monitor(ctx)

	return s, nil
}

func (s *Supervisor) idlock(id int) *sync.Mutex {
	s.idlocks.lock.Lock()
	defer s.idlocks.lock.Unlock()

	l, ok := s.idlocks.m[id]
	if !ok {
		l = &sync.Mutex{}
		s.idlocks.m[id] = l
	}

	return l
}

func (s *Supervisor) setState(id int, update func(*cameraState)) {
	s.states.lock.Lock()
	defer s.states.lock.Unlock()

	state, ok := s.states.m[id]
	if !ok {
		state = &cameraState{status: StatusStopped}
		s.states.m[id] = state
	}

	update(state)
}

func (s *Supervisor) getState(id int) cameraState {
	s.states.lock.Lock()
	defer s.states.lock.Unlock()

	state, ok := s.states.m[id]
	if !ok {
		return cameraState{status: StatusStopped}
	}

	return *state
}

// CreateCamera validates and persists a new camera. The id, UUID, path
// name, and ONVIF port are assigned here. With AutoStart set, the camera
// is started as well.
func (s *Supervisor) CreateCamera(ctx context.Context, cam *config.Camera) (*config.Camera, error) {
	s.global.RLock()
	defer s.global.RUnlock()

	cam = cam.Clone()
	cam.ID = s.store.NextID()

	if len(cam.UUID) == 0 {
		cam.UUID = uuid.NewString()
	}

	allocated := false

	if cam.ONVIFPort == 0 {
		port, err := s.ports.Get()
		if err != nil {
			return nil, err
		}

		cam.ONVIFPort = port
		allocated = true
	} else {
		if err := s.ports.Claim(cam.ONVIFPort); err != nil {
			return nil, fmt.Errorf("%w: %d", config.ErrPortInUse, cam.ONVIFPort)
		}
		allocated = true
	}

	if err := s.store.PutCamera(cam); err != nil {
		if allocated {
			s.ports.Put(cam.ONVIFPort)
		}

		return nil, err
	}

	stored, err := s.store.GetCamera(cam.ID)
	if err != nil {
		return nil, err
	}

	s.setState(cam.ID, func(state *cameraState) {
		state.status = StatusStopped
	})

	s.logger.WithFields(log.Fields{
		"id":   stored.ID,
		"name": stored.Name,
		"path": stored.PathName,
		"port": stored.ONVIFPort,
	}).Info().Log("Created camera")

	if stored.AutoStart {
		lock := s.idlock(stored.ID)
		lock.Lock()
		err = s.startCamera(ctx, stored.ID)
		lock.Unlock()

		if err != nil {
			return stored, err
		}
	}

	return stored, nil
}

// UpdateCamera validates, persists, and hot-applies a mutation. A running
// camera is stopped, updated, and started again.
func (s *Supervisor) UpdateCamera(ctx context.Context, id int, cam *config.Camera) (*config.Camera, error) {
	s.global.RLock()
	defer s.global.RUnlock()

	lock := s.idlock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.store.GetCamera(id)
	if err != nil {
		return nil, ErrNotFound
	}

	cam = cam.Clone()
	cam.ID = id
	cam.UUID = current.UUID

	// The slug stays stable across renames so NVRs keep their cached
	// stream URLs.
	if len(cam.PathName) == 0 {
		cam.PathName = current.PathName
	}

	if cam.ONVIFPort == 0 {
		cam.ONVIFPort = current.ONVIFPort
	}

	if cam.ONVIFPort != current.ONVIFPort {
		if err := s.ports.Claim(cam.ONVIFPort); err != nil {
			return nil, fmt.Errorf("%w: %d", config.ErrPortInUse, cam.ONVIFPort)
		}
	}

	wasRunning := s.getState(id).status == StatusRunning

	if wasRunning {
		if err := s.stopCamera(ctx, id); err != nil {
			s.logger.WithField("id", id).WithError(err).Warn().Log("Stopping for update failed")
		}
	}

	if err := s.store.PutCamera(cam); err != nil {
		if cam.ONVIFPort != current.ONVIFPort {
			s.ports.Put(cam.ONVIFPort)
		}

		return nil, err
	}

	if cam.ONVIFPort != current.ONVIFPort {
		s.ports.Put(current.ONVIFPort)
	}

	s.logger.WithFields(log.Fields{"id": id, "name": cam.Name}).Info().Log("Updated camera")

	if wasRunning {
		if err := s.startCamera(ctx, id); err != nil {
			return nil, err
		}
	}

	return s.store.GetCamera(id)
}

// DeleteCamera stops the camera, removes it from the store, releases its
// port, and tears down its virtual NIC. After the call returns, nothing of
// the camera is left.
func (s *Supervisor) DeleteCamera(ctx context.Context, id int) error {
	s.global.RLock()
	defer s.global.RUnlock()

	lock := s.idlock(id)
	lock.Lock()
	defer lock.Unlock()

	cam, err := s.store.GetCamera(id)
	if err != nil {
		return ErrNotFound
	}

	if err := s.stopCamera(ctx, id); err != nil {
		s.logger.WithField("id", id).WithError(err).Warn().Log("Stopping for delete failed")
	}

	if err := s.store.DeleteCamera(id); err != nil {
		return err
	}

	s.ports.Put(cam.ONVIFPort)

	s.states.lock.Lock()
	delete(s.states.m, id)
	s.states.lock.Unlock()

	s.logger.WithFields(log.Fields{"id": id, "name": cam.Name}).Info().Log("Deleted camera")

	return nil
}

// StartCamera brings the camera to running: virtual NIC up, recipes
// applied, streams ready, ONVIF endpoint serving. On any failure all prior
// steps are reversed.
func (s *Supervisor) StartCamera(ctx context.Context, id int) error {
	s.global.RLock()
	defer s.global.RUnlock()

	lock := s.idlock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.startCamera(ctx, id)
}

func (s *Supervisor) startCamera(ctx context.Context, id int) error {
	cam, err := s.store.GetCamera(id)
	if err != nil {
		return ErrNotFound
	}

	if s.getState(id).status == StatusRunning {
		return nil
	}

	op := shortuuid.New()[:8]
	logger := s.logger.WithFields(log.Fields{"id": id, "name": cam.Name, "op": op})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(id, func(state *cameraState) {
		state.status = StatusStarting
		state.lastError = ""
		state.cancel = cancel
	})

	defer s.setState(id, func(state *cameraState) {
		state.cancel = nil
	})

	fail := func(err error) error {
		logger.WithError(err).Error().Log("Start failed")

		s.setState(id, func(state *cameraState) {
			state.status = StatusFailed
			state.lastError = err.Error()
		})

		return err
	}

	logger.Info().Log("Starting")

	// Virtual NIC first; the endpoint binds to its address
	assignedIP := ""

	if cam.NIC.Enable {
		assignedIP, err = s.nics.Up(ctx, cam)
		if err != nil {
			return fail(err)
		}

		s.setState(id, func(state *cameraState) {
			state.assignedIP = assignedIP
		})
	}

	// Recompile with this camera included and apply
	if err := s.apply(ctx, id, StatusStarting); err != nil {
		s.reverseNIC(cam)
		return fail(err)
	}

	// Wait for both streams to come up
	readyCtx, cancelReady := context.WithTimeout(ctx, readyTimeout)
	defer cancelReady()

	for _, suffix := range []string{"_main", "_sub"} {
		if err := s.media.WaitPathReady(readyCtx, cam.PathName+suffix); err != nil {
			s.reverseApply(id)
			s.reverseNIC(cam)
			return fail(fmt.Errorf("stream %s%s did not become ready: %w", cam.PathName, suffix, err))
		}
	}

	// ONVIF endpoint last
	settings := s.store.Settings()

	bindIP := ""
	advertiseIP := gwnet.ResolveBindIP(settings.ServerIP)

	if len(assignedIP) != 0 {
		bindIP = assignedIP
		advertiseIP = assignedIP
	}

	endpoint, err := s.endpoints(onvif.ServerConfig{
		Camera:      cam,
		BindIP:      bindIP,
		AdvertiseIP: advertiseIP,
		RTSPPort:    settings.RTSPPort,
		HLSPort:     settings.HLSPort,
		Logger:      s.logger.WithComponent("ONVIF"),
	})
	if err == nil {
		err = endpoint.Start()
	}

	if err != nil {
		s.reverseApply(id)
		s.reverseNIC(cam)
		return fail(err)
	}

	s.setState(id, func(state *cameraState) {
		state.status = StatusRunning
		state.endpoint = endpoint
	})

	logger.WithField("ip", advertiseIP).Info().Log("Running")

	return nil
}

// StopCamera takes the camera down: endpoint drained, recipes removed,
// virtual NIC gone. Teardown errors are collected but don't abort the
// remaining steps; the first one is returned.
func (s *Supervisor) StopCamera(ctx context.Context, id int) error {
	s.global.RLock()
	defer s.global.RUnlock()

	lock := s.idlock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.stopCamera(ctx, id)
}

func (s *Supervisor) stopCamera(ctx context.Context, id int) error {
	cam, err := s.store.GetCamera(id)
	if err != nil {
		return ErrNotFound
	}

	state := s.getState(id)
	if state.status == StatusStopped {
		return nil
	}

	logger := s.logger.WithFields(log.Fields{"id": id, "name": cam.Name})
	logger.Info().Log("Stopping")

	s.setState(id, func(state *cameraState) {
		state.status = StatusStopping
	})

	var firstErr error

	if state.endpoint != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := state.endpoint.Shutdown(drainCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	if err := s.apply(ctx, id, StatusStopping); err != nil && firstErr == nil {
		firstErr = err
	}

	if cam.NIC.Enable {
		if err := s.nics.Down(cam); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.setState(id, func(state *cameraState) {
		state.status = StatusStopped
		state.assignedIP = ""
		state.endpoint = nil
	})

	logger.Info().Log("Stopped")

	return firstErr
}

// apply recompiles the media server configuration from the currently
// active camera set and applies it. The camera with the given id is
// treated as active when phase is starting, and excluded when stopping.
func (s *Supervisor) apply(ctx context.Context, id int, phase Status) error {
	doc := s.compiler.Compile(s.activeCameras(id, phase), s.store.Settings())

	return s.media.Apply(ctx, doc)
}

// activeCameras returns the cameras whose recipes belong into the media
// server configuration: all starting or running ones, with the camera
// currently transitioning included or excluded by phase.
func (s *Supervisor) activeCameras(id int, phase Status) []*config.Camera {
	cameras := []*config.Camera{}

	for _, cam := range s.store.ListCameras() {
		if cam.ID == id {
			if phase == StatusStarting {
				cameras = append(cameras, cam)
			}
			continue
		}

		status := s.getState(cam.ID).status
		if status == StatusRunning || status == StatusStarting {
			cameras = append(cameras, cam)
		}
	}

	return cameras
}

// reverseApply removes the camera's recipes again after a failed start.
func (s *Supervisor) reverseApply(id int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.apply(ctx, id, StatusStopping); err != nil {
		s.logger.WithField("id", id).WithError(err).Warn().Log("Reversal apply failed")
	}
}

func (s *Supervisor) reverseNIC(cam *config.Camera) {
	if !cam.NIC.Enable {
		return
	}

	if err := s.nics.Down(cam); err != nil {
		s.logger.WithField("id", cam.ID).WithError(err).Warn().Log("NIC teardown failed")
	}

	s.setState(cam.ID, func(state *cameraState) {
		state.assignedIP = ""
	})
}

// StartAll starts all cameras ordered by id, one after the other, to avoid
// a thundering herd on the media server.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.global.Lock()
	defer s.global.Unlock()

	var firstErr error

	for _, cam := range s.store.ListCameras() {
		if err := s.startCamera(ctx, cam.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// StopAll stops all cameras in parallel under a shared deadline. In-flight
// starts are cancelled.
func (s *Supervisor) StopAll(ctx context.Context) error {
	// Cancel in-flight starts before taking the global lock; they hold
	// their per-id locks until they notice the cancellation.
	s.states.lock.Lock()
	for _, state := range s.states.m {
		if state.cancel != nil {
			state.cancel()
		}
	}
	s.states.lock.Unlock()

	s.global.Lock()
	defer s.global.Unlock()

	ctx, cancel := context.WithTimeout(ctx, stopAllTimeout)
	defer cancel()

	cameras := s.store.ListCameras()

	wg := sync.WaitGroup{}
	errs := make([]error, len(cameras))

	for i, cam := range cameras {
		wg.Add(1)

		go func(i, id int) {
			defer wg.Done()
			errs[i] = s.stopCamera(ctx, id)
		}(i, cam.ID)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// NICSupported reports whether the host can back cameras with virtual
// NICs. The UI uses it to enable or hide the feature.
func (s *Supervisor) NICSupported() bool {
	return s.nics.Supported()
}

// Snapshot returns the fleet status, ordered by id.
func (s *Supervisor) Snapshot() []CameraStatus {
	s.states.lock.Lock()
	defer s.states.lock.Unlock()

	list := []CameraStatus{}

	for _, cam := range s.store.ListCameras() {
		entry := CameraStatus{
			ID:     cam.ID,
			Name:   cam.Name,
			Status: StatusStopped,
		}

		if state, ok := s.states.m[cam.ID]; ok {
			entry.Status = state.status
			entry.AssignedIP = state.assignedIP
			entry.LastError = state.lastError
		}

		list = append(list, entry)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	return list
}

// monitor watches the media server controller. When it gives up after a
// restart storm, all running cameras transition to failed.
func (s *Supervisor) monitor(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.media.Status().State != mediamtx.StateCrashed {
				continue
			}

			s.states.lock.Lock()
			for _, state := range s.states.m {
				if state.status == StatusRunning {
					state.status = StatusFailed
					state.lastError = mediamtx.ErrMediaDead.Error()
				}
			}
			s.states.lock.Unlock()
		}
	}
}

// Close shuts the supervisor down: all cameras stopped, media server
// terminated.
func (s *Supervisor) Close(ctx context.Context) error {
	if s.monitorCancel != nil {
		s.monitorCancel()
	}

	err := s.StopAll(ctx)

	if stopErr := s.media.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}

	return err
}
