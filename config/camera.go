package config

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/onvifcam/gateway/encoding/json"
)

// StreamParams are the declared properties of one republished stream.
type StreamParams struct {
	Width     int  `json:"width" validate:"gte=0"`
	Height    int  `json:"height" validate:"gte=0"`
	Framerate int  `json:"framerate" validate:"gte=0"`
	Transcode bool `json:"transcode"`
}

// VirtualNIC describes the optional layer-2 child interface of a camera.
type VirtualNIC struct {
	Enable          bool   `json:"enable"`
	MAC             string `json:"mac"`
	ParentInterface string `json:"parentInterface"`
	IPMode          string `json:"ipMode" validate:"omitempty,oneof=dhcp static"`
	StaticIP        string `json:"staticIp"`
	Prefix          int    `json:"prefix" validate:"gte=0,lte=32"`
	Gateway         string `json:"gateway"`
}

// Camera is the persisted description of one virtual ONVIF camera.
type Camera struct {
	ID   int    `json:"id"`
	UUID string `json:"uuid"`
	Name string `json:"name" validate:"required"`

	// Upstream coordinates
	Host     string `json:"host" validate:"required"`
	RTSPPort int    `json:"rtspPort" validate:"gte=1,lte=65535"`
	Username string `json:"username"`
	Password string `json:"password"`
	MainPath string `json:"mainPath" validate:"required"`
	SubPath  string `json:"subPath" validate:"required"`

	Main StreamParams `json:"main"`
	Sub  StreamParams `json:"sub"`

	// PathName is the persisted slug the republished streams are keyed by.
	// It is derived from Name at creation and kept stable across renames.
	PathName string `json:"pathName"`

	ONVIFPort     int    `json:"onvifPort" validate:"gte=0,lte=65535"`
	ONVIFUsername string `json:"onvifUsername"`
	ONVIFPassword string `json:"onvifPassword"`

	NIC VirtualNIC `json:"nic"`

	AutoStart bool `json:"autoStart"`

	// Unknown keys from the config file, preserved on write-back.
	extra map[string]json.RawMessage
}

// cameraAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type cameraAlias Camera

func (c *Camera) UnmarshalJSON(data []byte) error {
	a := cameraAlias{}

	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*c = Camera(a)

	known, err := json.Marshal(&a)
	if err != nil {
		return err
	}

	knownKeys := map[string]json.RawMessage{}
	json.Unmarshal(known, &knownKeys)

	for key := range all {
		if _, ok := knownKeys[key]; ok {
			delete(all, key)
		}
	}

	if len(all) != 0 {
		c.extra = all
	}

	return nil
}

func (c Camera) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(cameraAlias(c))
	if err != nil {
		return nil, err
	}

	if len(c.extra) == 0 {
		return known, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}

	for key, value := range c.extra {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}

	return json.Marshal(merged)
}

// Clone returns a deep copy of the camera.
func (c *Camera) Clone() *Camera {
	clone := *c

	if c.extra != nil {
		clone.extra = map[string]json.RawMessage{}
		for key, value := range c.extra {
			clone.extra[key] = value
		}
	}

	return &clone
}

// MainStreamURL returns the upstream RTSP URL of the main stream with the
// credentials escaped into it.
func (c *Camera) MainStreamURL() string {
	return c.upstreamURL(c.MainPath)
}

// SubStreamURL returns the upstream RTSP URL of the sub stream.
func (c *Camera) SubStreamURL() string {
	return c.upstreamURL(c.SubPath)
}

func (c *Camera) upstreamURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u := url.URL{
		Scheme: "rtsp",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.RTSPPort),
		Path:   path,
	}

	if len(c.Username) != 0 && len(c.Password) != 0 {
		u.User = url.UserPassword(c.Username, c.Password)
	} else if len(c.Username) != 0 {
		u.User = url.User(c.Username)
	}

	return u.String()
}

// MACAddress returns the MAC this camera reports on its ONVIF interface.
// The configured virtual NIC MAC wins; otherwise a stable locally
// administered address is derived from the camera UUID.
func (c *Camera) MACAddress() string {
	if strings.Contains(c.NIC.MAC, ":") {
		return strings.ToLower(c.NIC.MAC)
	}

	h := md5.Sum([]byte(c.UUID))
	hexdigest := hex.EncodeToString(h[:])

	return fmt.Sprintf("02:%s:%s:%s:%s:%s", hexdigest[0:2], hexdigest[2:4], hexdigest[4:6], hexdigest[6:8], hexdigest[8:10])
}

// ValidateMAC checks that mac parses as a 48-bit MAC with the locally
// administered bit set.
func ValidateMAC(mac string) error {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadMAC, mac)
	}

	if len(hw) != 6 {
		return fmt.Errorf("%w: %s is not a 48-bit address", ErrBadMAC, mac)
	}

	if hw[0]&0x02 == 0 {
		return fmt.Errorf("%w: %s is not locally administered", ErrBadMAC, mac)
	}

	if hw[0]&0x01 != 0 {
		return fmt.Errorf("%w: %s is a multicast address", ErrBadMAC, mac)
	}

	return nil
}
