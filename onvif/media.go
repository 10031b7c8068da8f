package onvif

import (
	"fmt"

	"github.com/onvifcam/gateway/config"
)

// The two advertised profiles. Their tokens are stable so NVRs can cache
// them across reboots.
const (
	profileMain = "MainProfile"
	profileSub  = "SubProfile"
)

// streamFor maps a profile token to the republished stream suffix and its
// declared parameters. Unknown tokens fall back to the main profile.
func (s *Server) streamFor(token string) (string, config.StreamParams) {
	if token == profileSub {
		return "sub", s.camera.Sub
	}

	return "main", s.camera.Main
}

func (s *Server) streamURL(stream string) string {
	return fmt.Sprintf("rtsp://%s:%d/%s_%s", s.advertiseIP, s.rtspPort, s.camera.PathName, stream)
}

// snapshotURL points at the HLS rendition of the stream. The gateway has no
// JPEG source; NVRs treat the snapshot URI as optional.
func (s *Server) snapshotURL(stream string) string {
	return fmt.Sprintf("http://%s:%d/%s_%s/index.m3u8", s.advertiseIP, s.hlsPort, s.camera.PathName, stream)
}

func (s *Server) profile(token, name, stream string, params config.StreamParams) string {
	return fmt.Sprintf(`
			<trt:Profiles fixed="true" token="%s">
				<tt:Name>%s</tt:Name>
				<tt:VideoSourceConfiguration token="VideoSource%s">
					<tt:Name>VideoSource%s</tt:Name>
					<tt:UseCount>1</tt:UseCount>
					<tt:SourceToken>VideoSource%s</tt:SourceToken>
					<tt:Bounds x="0" y="0" width="%d" height="%d"/>
				</tt:VideoSourceConfiguration>
				<tt:VideoEncoderConfiguration token="VideoEncoder%s">
					<tt:Name>VideoEncoder%s</tt:Name>
					<tt:UseCount>1</tt:UseCount>
					<tt:Encoding>H264</tt:Encoding>
					<tt:Resolution>
						<tt:Width>%d</tt:Width>
						<tt:Height>%d</tt:Height>
					</tt:Resolution>
					<tt:Quality>5</tt:Quality>
					<tt:RateControl>
						<tt:FrameRateLimit>%d</tt:FrameRateLimit>
						<tt:EncodingInterval>1</tt:EncodingInterval>
						<tt:BitrateLimit>4096</tt:BitrateLimit>
					</tt:RateControl>
					<tt:H264>
						<tt:GovLength>%d</tt:GovLength>
						<tt:H264Profile>Baseline</tt:H264Profile>
					</tt:H264>
				</tt:VideoEncoderConfiguration>
			</trt:Profiles>`,
		token, name,
		title(stream), title(stream), title(stream), params.Width, params.Height,
		title(stream), title(stream), params.Width, params.Height, params.Framerate, params.Framerate)
}

func (s *Server) getProfiles() string {
	return fmt.Sprintf(`
		<trt:GetProfilesResponse>%s%s
		</trt:GetProfilesResponse>`,
		s.profile(profileMain, "mainStream", "main", s.camera.Main),
		s.profile(profileSub, "subStream", "sub", s.camera.Sub))
}

func (s *Server) getProfile(token string) string {
	stream, params := s.streamFor(token)

	name := "mainStream"
	if stream == "sub" {
		name = "subStream"
	}

	profile := s.profile(token, name, stream, params)

	return fmt.Sprintf(`
		<trt:GetProfileResponse>%s
		</trt:GetProfileResponse>`, profile)
}

func (s *Server) getVideoSources() string {
	return fmt.Sprintf(`
		<trt:GetVideoSourcesResponse>
			<trt:VideoSources token="VideoSourceMain">
				<tt:Framerate>%d</tt:Framerate>
				<tt:Resolution>
					<tt:Width>%d</tt:Width>
					<tt:Height>%d</tt:Height>
				</tt:Resolution>
			</trt:VideoSources>
			<trt:VideoSources token="VideoSourceSub">
				<tt:Framerate>%d</tt:Framerate>
				<tt:Resolution>
					<tt:Width>%d</tt:Width>
					<tt:Height>%d</tt:Height>
				</tt:Resolution>
			</trt:VideoSources>
		</trt:GetVideoSourcesResponse>`,
		s.camera.Main.Framerate, s.camera.Main.Width, s.camera.Main.Height,
		s.camera.Sub.Framerate, s.camera.Sub.Width, s.camera.Sub.Height)
}

func (s *Server) getStreamURI(token string) string {
	stream, _ := s.streamFor(token)

	return fmt.Sprintf(`
		<trt:GetStreamUriResponse>
			<trt:MediaUri>
				<tt:Uri>%s</tt:Uri>
				<tt:InvalidAfterConnect>false</tt:InvalidAfterConnect>
				<tt:InvalidAfterReboot>false</tt:InvalidAfterReboot>
				<tt:Timeout>PT0S</tt:Timeout>
			</trt:MediaUri>
		</trt:GetStreamUriResponse>`, s.streamURL(stream))
}

func (s *Server) getSnapshotURI(token string) string {
	stream, _ := s.streamFor(token)

	return fmt.Sprintf(`
		<trt:GetSnapshotUriResponse>
			<trt:MediaUri>
				<tt:Uri>%s</tt:Uri>
				<tt:InvalidAfterConnect>false</tt:InvalidAfterConnect>
				<tt:InvalidAfterReboot>false</tt:InvalidAfterReboot>
				<tt:Timeout>PT0S</tt:Timeout>
			</trt:MediaUri>
		</trt:GetSnapshotUriResponse>`, s.snapshotURL(stream))
}

// Media2 variants of the above.

func (s *Server) media2Profile(token, name string, params config.StreamParams) string {
	return fmt.Sprintf(`
			<tr2:Profiles token="%s" fixed="true">
				<tr2:Name>%s</tr2:Name>
				<tr2:Configurations>
					<tr2:VideoEncoder token="VideoEncoder%s">
						<tt:Name>VideoEncoder%s</tt:Name>
						<tt:UseCount>1</tt:UseCount>
						<tt:Encoding>H264</tt:Encoding>
						<tt:Resolution>
							<tt:Width>%d</tt:Width>
							<tt:Height>%d</tt:Height>
						</tt:Resolution>
						<tt:RateControl>
							<tt:FrameRateLimit>%d</tt:FrameRateLimit>
							<tt:BitrateLimit>4096</tt:BitrateLimit>
						</tt:RateControl>
					</tr2:VideoEncoder>
				</tr2:Configurations>
			</tr2:Profiles>`,
		token, name, token, token, params.Width, params.Height, params.Framerate)
}

func (s *Server) media2GetProfiles() string {
	return fmt.Sprintf(`
		<tr2:GetProfilesResponse>%s%s
		</tr2:GetProfilesResponse>`,
		s.media2Profile(profileMain, "mainStream", s.camera.Main),
		s.media2Profile(profileSub, "subStream", s.camera.Sub))
}

func (s *Server) media2GetStreamURI(token string) string {
	stream, _ := s.streamFor(token)

	return fmt.Sprintf(`
		<tr2:GetStreamUriResponse>
			<tr2:Uri>%s</tr2:Uri>
		</tr2:GetStreamUriResponse>`, s.streamURL(stream))
}

func (s *Server) media2GetSnapshotURI(token string) string {
	stream, _ := s.streamFor(token)

	return fmt.Sprintf(`
		<tr2:GetSnapshotUriResponse>
			<tr2:Uri>%s</tr2:Uri>
		</tr2:GetSnapshotUriResponse>`, s.snapshotURL(stream))
}

func title(s string) string {
	if len(s) == 0 {
		return s
	}

	return string(s[0]-'a'+'A') + s[1:]
}
