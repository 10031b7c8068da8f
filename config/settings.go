package config

// Settings are the global settings of the gateway. Only the networking
// fields are consumed by the core; the UI preferences are carried along for
// the web layer.
type Settings struct {
	ServerIP    string `json:"serverIp"`
	RTSPPort    int    `json:"rtspPort" validate:"gte=1,lte=65535"`
	HLSPort     int    `json:"hlsPort" validate:"gte=1,lte=65535"`
	APIPort     int    `json:"apiPort" validate:"gte=1,lte=65535"`
	WebPort     int    `json:"webPort" validate:"gte=0,lte=65535"`
	GridColumns int    `json:"gridColumns"`
	Theme       string `json:"theme"`
}

// DefaultSettings returns the settings a fresh installation starts with.
func DefaultSettings() Settings {
	return Settings{
		ServerIP:    "localhost",
		RTSPPort:    8554,
		HLSPort:     8888,
		APIPort:     9997,
		WebPort:     5000,
		GridColumns: 3,
		Theme:       "dracula",
	}
}

// ReservedPorts returns the ports the ONVIF port allocator must not hand out.
func (s Settings) ReservedPorts() []int {
	return []int{s.RTSPPort, s.HLSPort, s.APIPort, s.WebPort}
}
