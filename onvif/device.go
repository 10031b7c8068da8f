package onvif

import (
	"fmt"
	"time"
)

// manufacturer is what the gateway reports to NVRs asking for device
// information.
const manufacturer = "Virtual ONVIF"

func (s *Server) deviceServiceAddress() string {
	return fmt.Sprintf("http://%s:%d/onvif/device_service", s.advertiseIP, s.port)
}

func (s *Server) getDeviceInformation() string {
	return fmt.Sprintf(`
		<tds:GetDeviceInformationResponse>
			<tds:Manufacturer>%s</tds:Manufacturer>
			<tds:Model>%s</tds:Model>
			<tds:FirmwareVersion>1.0.0</tds:FirmwareVersion>
			<tds:SerialNumber>%s</tds:SerialNumber>
			<tds:HardwareId>%s</tds:HardwareId>
		</tds:GetDeviceInformationResponse>`,
		manufacturer, xmlEscape(s.camera.Name), s.camera.MACAddress(), s.camera.UUID)
}

func (s *Server) getCapabilities() string {
	xaddr := s.deviceServiceAddress()
	media := fmt.Sprintf("http://%s:%d/onvif/media_service", s.advertiseIP, s.port)

	return fmt.Sprintf(`
		<tds:GetCapabilitiesResponse>
			<tds:Capabilities>
				<tt:Device>
					<tt:XAddr>%s</tt:XAddr>
					<tt:System>
						<tt:DiscoveryResolve>false</tt:DiscoveryResolve>
						<tt:DiscoveryBye>false</tt:DiscoveryBye>
						<tt:RemoteDiscovery>false</tt:RemoteDiscovery>
					</tt:System>
					<tt:Network>
						<tt:IPFilter>false</tt:IPFilter>
						<tt:ZeroConfiguration>false</tt:ZeroConfiguration>
					</tt:Network>
				</tt:Device>
				<tt:Media>
					<tt:XAddr>%s</tt:XAddr>
					<tt:StreamingCapabilities>
						<tt:RTPMulticast>false</tt:RTPMulticast>
						<tt:RTP_TCP>true</tt:RTP_TCP>
						<tt:RTP_RTSP_TCP>true</tt:RTP_RTSP_TCP>
					</tt:StreamingCapabilities>
				</tt:Media>
			</tds:Capabilities>
		</tds:GetCapabilitiesResponse>`, xaddr, media)
}

func (s *Server) getServices() string {
	xaddr := s.deviceServiceAddress()
	media := fmt.Sprintf("http://%s:%d/onvif/media_service", s.advertiseIP, s.port)
	media2 := fmt.Sprintf("http://%s:%d/onvif/media2_service", s.advertiseIP, s.port)

	return fmt.Sprintf(`
		<tds:GetServicesResponse>
			<tds:Service>
				<tds:Namespace>%s</tds:Namespace>
				<tds:XAddr>%s</tds:XAddr>
				<tds:Version><tt:Major>2</tt:Major><tt:Minor>5</tt:Minor></tds:Version>
			</tds:Service>
			<tds:Service>
				<tds:Namespace>%s</tds:Namespace>
				<tds:XAddr>%s</tds:XAddr>
				<tds:Version><tt:Major>2</tt:Major><tt:Minor>5</tt:Minor></tds:Version>
			</tds:Service>
			<tds:Service>
				<tds:Namespace>%s</tds:Namespace>
				<tds:XAddr>%s</tds:XAddr>
				<tds:Version><tt:Major>2</tt:Major><tt:Minor>0</tt:Minor></tds:Version>
			</tds:Service>
		</tds:GetServicesResponse>`, nsDevice, xaddr, nsMedia, media, nsMedia2, media2)
}

func (s *Server) getSystemDateAndTime() string {
	now := time.Now()
	utc := now.UTC()

	return fmt.Sprintf(`
		<tds:GetSystemDateAndTimeResponse>
			<tds:SystemDateAndTime>
				<tt:DateTimeType>NTP</tt:DateTimeType>
				<tt:DaylightSavings>false</tt:DaylightSavings>
				<tt:UTCDateTime>
					<tt:Time><tt:Hour>%d</tt:Hour><tt:Minute>%d</tt:Minute><tt:Second>%d</tt:Second></tt:Time>
					<tt:Date><tt:Year>%d</tt:Year><tt:Month>%d</tt:Month><tt:Day>%d</tt:Day></tt:Date>
				</tt:UTCDateTime>
				<tt:LocalDateTime>
					<tt:Time><tt:Hour>%d</tt:Hour><tt:Minute>%d</tt:Minute><tt:Second>%d</tt:Second></tt:Time>
					<tt:Date><tt:Year>%d</tt:Year><tt:Month>%d</tt:Month><tt:Day>%d</tt:Day></tt:Date>
				</tt:LocalDateTime>
			</tds:SystemDateAndTime>
		</tds:GetSystemDateAndTimeResponse>`,
		utc.Hour(), utc.Minute(), utc.Second(), utc.Year(), utc.Month(), utc.Day(),
		now.Hour(), now.Minute(), now.Second(), now.Year(), now.Month(), now.Day())
}

func (s *Server) getNetworkInterfaces() string {
	return fmt.Sprintf(`
		<tds:GetNetworkInterfacesResponse>
			<tds:NetworkInterfaces token="eth0">
				<tt:Enabled>true</tt:Enabled>
				<tt:Info>
					<tt:Name>eth0</tt:Name>
					<tt:HwAddress>%s</tt:HwAddress>
					<tt:MTU>1500</tt:MTU>
				</tt:Info>
				<tt:IPv4>
					<tt:Enabled>true</tt:Enabled>
					<tt:Config>
						<tt:Manual>
							<tt:Address>%s</tt:Address>
							<tt:PrefixLength>24</tt:PrefixLength>
						</tt:Manual>
						<tt:DHCP>false</tt:DHCP>
					</tt:Config>
				</tt:IPv4>
			</tds:NetworkInterfaces>
		</tds:GetNetworkInterfacesResponse>`, s.camera.MACAddress(), s.advertiseIP)
}

func (s *Server) getScopes() string {
	return fmt.Sprintf(`
		<tds:GetScopesResponse>
			<tds:Scopes><tt:ScopeDef>Fixed</tt:ScopeDef><tt:ScopeItem>onvif://www.onvif.org/type/video_encoder</tt:ScopeItem></tds:Scopes>
			<tds:Scopes><tt:ScopeDef>Fixed</tt:ScopeDef><tt:ScopeItem>onvif://www.onvif.org/Profile/Streaming</tt:ScopeItem></tds:Scopes>
			<tds:Scopes><tt:ScopeDef>Fixed</tt:ScopeDef><tt:ScopeItem>onvif://www.onvif.org/hardware/%s</tt:ScopeItem></tds:Scopes>
			<tds:Scopes><tt:ScopeDef>Fixed</tt:ScopeDef><tt:ScopeItem>onvif://www.onvif.org/name/%s</tt:ScopeItem></tds:Scopes>
		</tds:GetScopesResponse>`, manufacturer, xmlEscape(s.camera.Name))
}
