package mediamtx

import (
	"testing"

	"github.com/onvifcam/gateway/config"

	"github.com/stretchr/testify/require"
)

func testCamera(id int, name, pathName string) *config.Camera {
	return &config.Camera{
		ID:       id,
		Name:     name,
		Host:     "192.0.2.10",
		RTSPPort: 554,
		MainPath: "/stream1",
		SubPath:  "/stream2",
		PathName: pathName,
		Main:     config.StreamParams{Width: 1920, Height: 1080, Framerate: 30},
		Sub:      config.StreamParams{Width: 640, Height: 480, Framerate: 15},
	}
}

func TestCompileEmitsTwoPathsPerCamera(t *testing.T) {
	compiler := &Compiler{FFmpegBinary: "/usr/bin/ffmpeg"}

	doc := compiler.Compile([]*config.Camera{
		testCamera(1, "Front Door", "front_door"),
		testCamera(2, "Yard", "yard"),
	}, config.DefaultSettings())

	require.Len(t, doc.Paths, 4)
	require.Contains(t, doc.Paths, "front_door_main")
	require.Contains(t, doc.Paths, "front_door_sub")
	require.Contains(t, doc.Paths, "yard_main")
	require.Contains(t, doc.Paths, "yard_sub")
}

func TestCompilePassThrough(t *testing.T) {
	compiler := &Compiler{FFmpegBinary: "/usr/bin/ffmpeg"}

	doc := compiler.Compile([]*config.Camera{testCamera(1, "Front Door", "front_door")}, config.DefaultSettings())

	path := doc.Paths["front_door_main"]
	require.Equal(t, "rtsp://192.0.2.10:554/stream1", path.Source)
	require.Equal(t, "tcp", path.RTSPTransport)
	require.False(t, path.SourceOnDemand)
	require.Equal(t, "10s", path.SourceOnDemandStartTimeout)
	require.Empty(t, path.RunOnInit)
}

func TestCompileTranscodeShellLoop(t *testing.T) {
	compiler := &Compiler{FFmpegBinary: "/usr/bin/ffmpeg"}

	cam := testCamera(2, "Yard", "yard")
	cam.Sub.Transcode = true

	doc := compiler.Compile([]*config.Camera{cam}, config.DefaultSettings())

	path := doc.Paths["yard_sub"]
	require.Equal(t, "publisher", path.Source)

	// the encoder is wrapped in a restart loop with a minimum pause
	require.Contains(t, path.RunOnInit, "while true; do")
	require.Contains(t, path.RunOnInit, "sleep 2")
	require.Contains(t, path.RunOnInit, "/usr/bin/ffmpeg")
	require.Contains(t, path.RunOnInit, "rtsp://127.0.0.1:8554/yard_sub")
	require.Contains(t, path.RunOnInit, "rtsp://192.0.2.10:554/stream2")
	require.Contains(t, path.RunOnInit, "scale=640:480")

	// the media server's own restart stays off so only one encoder tree exists
	require.False(t, path.RunOnInitRestart)
	require.False(t, path.SourceOnDemand)
}

func TestCompileDeterministic(t *testing.T) {
	compiler := &Compiler{FFmpegBinary: "/usr/bin/ffmpeg"}
	settings := config.DefaultSettings()

	one := testCamera(1, "Front Door", "front_door")
	one.Main.Transcode = true
	two := testCamera(2, "Yard", "yard")

	a, err := compiler.Compile([]*config.Camera{one, two}, settings).Marshal()
	require.NoError(t, err)

	b, err := compiler.Compile([]*config.Camera{one, two}, settings).Marshal()
	require.NoError(t, err)

	// permuted input
	c, err := compiler.Compile([]*config.Camera{two, one}, settings).Marshal()
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Equal(t, a, c)
}

func TestCompileEmptySet(t *testing.T) {
	compiler := &Compiler{FFmpegBinary: "/usr/bin/ffmpeg"}

	doc := compiler.Compile(nil, config.DefaultSettings())
	require.Empty(t, doc.Paths)

	data, err := doc.Marshal()
	require.NoError(t, err)
	require.Contains(t, string(data), "rtspAddress:")
	require.Contains(t, string(data), ":8554")
	require.Contains(t, string(data), "apiAddress: 127.0.0.1:9997")
}

func TestPathNames(t *testing.T) {
	compiler := &Compiler{FFmpegBinary: "/usr/bin/ffmpeg"}

	doc := compiler.Compile([]*config.Camera{
		testCamera(2, "Yard", "yard"),
		testCamera(1, "Front Door", "front_door"),
	}, config.DefaultSettings())

	require.Equal(t, []string{"front_door_main", "front_door_sub", "yard_main", "yard_sub"}, doc.PathNames())
}
