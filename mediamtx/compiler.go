// Package mediamtx generates the configuration for the external MediaMTX
// media server and owns its process. The configuration is a pure function
// of the active camera set: each camera contributes a main and a sub path
// that either relays the upstream RTSP stream or feeds it through an
// external encoder.
package mediamtx

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/onvifcam/gateway/config"

	"gopkg.in/yaml.v3"
)

// Path is one recipe in the paths map of the media server configuration.
type Path struct {
	Source                     string `yaml:"source"`
	RTSPTransport              string `yaml:"rtspTransport"`
	SourceOnDemand             bool   `yaml:"sourceOnDemand"`
	SourceOnDemandStartTimeout string `yaml:"sourceOnDemandStartTimeout,omitempty"`
	SourceOnDemandCloseAfter   string `yaml:"sourceOnDemandCloseAfter,omitempty"`
	RunOnInit                  string `yaml:"runOnInit,omitempty"`
	RunOnInitRestart           bool   `yaml:"runOnInitRestart"`
	Record                     bool   `yaml:"record"`
}

// Document is the media server configuration file.
type Document struct {
	LogLevel       string   `yaml:"logLevel"`
	RTSPAddress    string   `yaml:"rtspAddress"`
	RTSPTransports []string `yaml:"rtspTransports"`

	HLS            bool   `yaml:"hls"`
	HLSAddress     string `yaml:"hlsAddress"`
	HLSVariant     string `yaml:"hlsVariant"`
	HLSAlwaysRemux bool   `yaml:"hlsAlwaysRemux"`

	WebRTC bool `yaml:"webrtc"`
	RTMP   bool `yaml:"rtmp"`
	SRT    bool `yaml:"srt"`

	API        bool   `yaml:"api"`
	APIAddress string `yaml:"apiAddress"`

	ReadTimeout    string `yaml:"readTimeout"`
	WriteTimeout   string `yaml:"writeTimeout"`
	WriteQueueSize int    `yaml:"writeQueueSize"`

	Paths map[string]Path `yaml:"paths"`
}

// Compiler translates the camera set into a media server configuration.
type Compiler struct {
	// FFmpegBinary is the encoder invoked by transcode recipes.
	FFmpegBinary string
}

// sourceTimeout is the I/O timeout for pulling upstream RTSP sources.
const sourceTimeout = "10s"

// restartDelay is the pause of the encoder loop between restarts. It bounds
// the restart rate when the upstream is unreachable.
const restartDelay = 2

// Compile produces the configuration document for the given cameras. The
// result is deterministic: equal camera sets produce byte-identical
// configurations regardless of input order.
func (c *Compiler) Compile(cameras []*config.Camera, settings config.Settings) *Document {
	doc := &Document{
		LogLevel:       "warn",
		RTSPAddress:    fmt.Sprintf(":%d", settings.RTSPPort),
		RTSPTransports: []string{"tcp"},
		HLS:            true,
		HLSAddress:     fmt.Sprintf(":%d", settings.HLSPort),
		HLSVariant:     "fmp4",
		HLSAlwaysRemux: true,
		API:            true,
		APIAddress:     fmt.Sprintf("127.0.0.1:%d", settings.APIPort),
		ReadTimeout:    "30s",
		WriteTimeout:   "30s",
		WriteQueueSize: 2048,
		Paths:          map[string]Path{},
	}

	sorted := make([]*config.Camera, len(cameras))
	copy(sorted, cameras)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, cam := range sorted {
		doc.Paths[cam.PathName+"_main"] = c.compilePath(cam, settings, "main")
		doc.Paths[cam.PathName+"_sub"] = c.compilePath(cam, settings, "sub")
	}

	return doc
}

func (c *Compiler) compilePath(cam *config.Camera, settings config.Settings, stream string) Path {
	params := cam.Main
	source := cam.MainStreamURL()

	if stream == "sub" {
		params = cam.Sub
		source = cam.SubStreamURL()
	}

	if !params.Transcode {
		return Path{
			Source:                     source,
			RTSPTransport:              "tcp",
			SourceOnDemand:             false,
			SourceOnDemandStartTimeout: sourceTimeout,
			SourceOnDemandCloseAfter:   sourceTimeout,
		}
	}

	dest := fmt.Sprintf("rtsp://127.0.0.1:%d/%s_%s", settings.RTSPPort, cam.PathName, stream)

	return Path{
		Source:           "publisher",
		RTSPTransport:    "tcp",
		SourceOnDemand:   false,
		RunOnInit:        loopCommand(c.encoderCommand(source, dest, params, stream)),
		RunOnInitRestart: false,
	}
}

// encoderCommand builds the encoder invocation for one stream. The encoder
// reads the upstream URL and publishes to the local media server.
func (c *Compiler) encoderCommand(source, dest string, params config.StreamParams, stream string) string {
	videoBitrate := "2500k"
	audioBitrate := "128k"
	level := "4.0"
	gop := params.Framerate * 4

	if stream == "sub" {
		videoBitrate = "800k"
		audioBitrate = "64k"
		level = "3.0"
		gop = params.Framerate
	}

	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,format=yuv420p",
		params.Width, params.Height, params.Width, params.Height)

	args := []string{
		shellQuote(c.FFmpegBinary),
		"-hide_banner -loglevel warning -nostdin",
		"-rtsp_transport tcp -use_wallclock_as_timestamps 1",
		"-i " + shellQuote(source),
		"-vf " + shellQuote(filter),
		"-c:v libx264 -profile:v baseline -level:v " + level + " -preset ultrafast -tune zerolatency",
		fmt.Sprintf("-threads 2 -g %d -keyint_min %d -sc_threshold 0", gop, params.Framerate),
		"-x264-params force-cfr=1:nal-hrd=vbr:rc-lookahead=0 -bf 0",
		fmt.Sprintf("-b:v %s -maxrate %s -bufsize %s", videoBitrate, videoBitrate, videoBitrate),
		fmt.Sprintf("-r %d -c:a aac -ar 44100 -b:a %s", params.Framerate, audioBitrate),
		"-f rtsp " + shellQuote(dest),
	}

	return strings.Join(args, " ")
}

// loopCommand wraps the encoder in a shell restart loop. The encoder stays
// a child of the shell, so killing the shell kills the encoder (C1), and
// the shell restarts the encoder on any exit until it is itself killed
// (C2). The media server's own on-init restart stays disabled: the loop is
// the only restart mechanism, otherwise two encoder trees would pile up.
func loopCommand(encoder string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf(`cmd /C "FOR /L %%N IN () DO (%s & timeout /T %d /NOBREAK)"`, encoder, restartDelay)
	}

	return fmt.Sprintf("/bin/sh -c 'while true; do %s; sleep %d; done'", encoder, restartDelay)
}

func shellQuote(s string) string {
	if runtime.GOOS == "windows" {
		return `"` + s + `"`
	}

	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// Marshal renders the document as YAML. Map keys are emitted in sorted
// order, keeping the output stable.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// PathNames returns the names of all paths, sorted.
func (d *Document) PathNames() []string {
	names := make([]string, 0, len(d.Paths))

	for name := range d.Paths {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
