package onvif

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/onvifcam/gateway/config"
	"github.com/onvifcam/gateway/log"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ErrBind is returned when the endpoint can't bind its address.
var ErrBind = errors.New("failed to bind ONVIF endpoint")

// The lifecycle states of an endpoint. Transitions are driven solely by
// Start and Shutdown.
const (
	StateIdle      = "idle"
	StateListening = "listening"
	StateServing   = "serving"
	StateDraining  = "draining"
	StateClosed    = "closed"
)

// ServerConfig is the configuration for one camera endpoint.
type ServerConfig struct {
	// Camera is a snapshot of the camera record. The server keeps its own
	// copy; later config changes require a restart of the endpoint.
	Camera *config.Camera

	// BindIP is the address to listen on. Empty means all interfaces.
	BindIP string

	// AdvertiseIP is the address clients are told in stream URLs.
	AdvertiseIP string

	RTSPPort int
	HLSPort  int

	Logger log.Logger
}

// Server is the SOAP endpoint of a single virtual camera.
type Server struct {
	camera      *config.Camera
	bindIP      string
	advertiseIP string
	port        int
	rtspPort    int
	hlsPort     int

	echo   *echo.Echo
	logger log.Logger

	state     string
	stateLock sync.Mutex
}

// NewServer creates the endpoint for the given camera. Nothing is bound
// until Start.
func NewServer(c ServerConfig) (*Server, error) {
	if c.Camera == nil {
		return nil, fmt.Errorf("no camera given")
	}

	s := &Server{
		camera:      c.Camera.Clone(),
		bindIP:      c.BindIP,
		advertiseIP: c.AdvertiseIP,
		port:        c.Camera.ONVIFPort,
		rtspPort:    c.RTSPPort,
		hlsPort:     c.HLSPort,
		logger:      c.Logger,
		state:       StateIdle,
	}

	if len(s.advertiseIP) == 0 {
		s.advertiseIP = s.bindIP
	}

	if s.logger == nil {
		s.logger = log.New("ONVIF")
	}

	s.logger = s.logger.WithFields(log.Fields{
		"camera": s.camera.Name,
		"port":   s.port,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// A handler fault must never take the endpoint down
	e.Use(middleware.Recover())

	for _, path := range []string{"/", "/onvif/device_service", "/onvif/media_service", "/onvif/media2_service"} {
		e.POST(path, s.handle)
		e.GET(path, s.describe)
	}

	s.echo = e

	return s, nil
}

// State returns the lifecycle state of the endpoint.
func (s *Server) State() string {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	return s.state
}

func (s *Server) setState(state string) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	s.state = state
}

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() string {
	if s.echo.Listener == nil {
		return ""
	}

	return s.echo.Listener.Addr().String()
}

// Start binds the endpoint and serves requests in the background.
func (s *Server) Start() error {
	address := fmt.Sprintf("%s:%d", s.bindIP, s.port)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrBind, address, err)
	}

	s.echo.Listener = listener
	s.setState(StateListening)

	go func() {
		s.setState(StateServing)

		if err := s.echo.Start(""); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error().Log("Endpoint failed")
		}
	}()

	s.logger.WithField("address", address).Info().Log("Endpoint listening")

	return nil
}

// Shutdown drains active requests and closes the endpoint. The context
// bounds the drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.setState(StateDraining)

	err := s.echo.Shutdown(ctx)
	if err != nil {
		// Drain deadline passed, close hard
		s.echo.Close()
	}

	s.setState(StateClosed)

	s.logger.Info().Log("Endpoint closed")

	return err
}

// handle is the SOAP dispatcher.
func (s *Server) handle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.soap(c, http.StatusBadRequest, fault("ter:InvalidArgVal", "unreadable request"))
	}

	req, err := parseRequest(body)
	if err != nil {
		return s.soap(c, http.StatusBadRequest, fault("ter:WellFormed", "malformed SOAP request"))
	}

	// Clock queries are answered without credentials so clients can sync
	// time before computing a password digest.
	if req.Action != "GetSystemDateAndTime" {
		if !s.authenticate(req, c.Request()) {
			// A failed UsernameToken is a sender fault per ONVIF; requests
			// without one get the HTTP challenge instead.
			if req.Token != nil {
				return s.soap(c, http.StatusBadRequest, fault("ter:NotAuthorized", "the action requires authorization"))
			}

			c.Response().Header().Set("WWW-Authenticate", `Basic realm="ONVIF"`)
			return s.soap(c, http.StatusUnauthorized, fault("ter:NotAuthorized", "the action requires authorization"))
		}
	}

	s.logger.WithField("action", req.Action).Debug().Log("Request")

	switch req.Action {
	case "GetDeviceInformation":
		return s.soap(c, http.StatusOK, envelope(s.getDeviceInformation()))
	case "GetCapabilities":
		return s.soap(c, http.StatusOK, envelope(s.getCapabilities()))
	case "GetServices":
		return s.soap(c, http.StatusOK, envelope(s.getServices()))
	case "GetSystemDateAndTime":
		return s.soap(c, http.StatusOK, envelope(s.getSystemDateAndTime()))
	case "GetNetworkInterfaces":
		return s.soap(c, http.StatusOK, envelope(s.getNetworkInterfaces()))
	case "GetScopes":
		return s.soap(c, http.StatusOK, envelope(s.getScopes()))
	case "GetProfiles":
		if req.Namespace == nsMedia2 {
			return s.soap(c, http.StatusOK, envelope(s.media2GetProfiles()))
		}
		return s.soap(c, http.StatusOK, envelope(s.getProfiles()))
	case "GetProfile":
		return s.soap(c, http.StatusOK, envelope(s.getProfile(req.ProfileToken)))
	case "GetVideoSources":
		return s.soap(c, http.StatusOK, envelope(s.getVideoSources()))
	case "GetStreamUri":
		if req.Namespace == nsMedia2 {
			return s.soap(c, http.StatusOK, envelope(s.media2GetStreamURI(req.ProfileToken)))
		}
		return s.soap(c, http.StatusOK, envelope(s.getStreamURI(req.ProfileToken)))
	case "GetSnapshotUri":
		if req.Namespace == nsMedia2 {
			return s.soap(c, http.StatusOK, envelope(s.media2GetSnapshotURI(req.ProfileToken)))
		}
		return s.soap(c, http.StatusOK, envelope(s.getSnapshotURI(req.ProfileToken)))
	case "":
		// Some NVRs probe with an empty body; answer with device info
		return s.soap(c, http.StatusOK, envelope(s.getDeviceInformation()))
	}

	return s.soap(c, http.StatusBadRequest, fault("ter:ActionNotSupported", req.Action+" is not supported"))
}

// describe answers plain GET requests with a short service description.
func (s *Server) describe(c echo.Context) error {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<definitions name="ONVIFDeviceService" targetNamespace="%s">
	<service name="%s">
		<address>%s</address>
	</service>
</definitions>`, nsDevice, xmlEscape(s.camera.Name), s.deviceServiceAddress())

	return c.Blob(http.StatusOK, "text/xml; charset=utf-8", []byte(body))
}

func (s *Server) soap(c echo.Context, status int, body string) error {
	return c.Blob(status, "application/soap+xml; charset=utf-8", []byte(body))
}

// xmlEscape escapes the five XML special characters in text content.
func xmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)

	return r.Replace(s)
}

// DefaultDrainTimeout is how long active requests get on shutdown.
const DefaultDrainTimeout = 2 * time.Second
