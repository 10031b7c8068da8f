package onvif

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onvifcam/gateway/config"

	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	cam := &config.Camera{
		ID:            1,
		UUID:          "e9b5c1de-8a24-4a2f-b6f5-94c0e6d3a111",
		Name:          "Front Door",
		Host:          "192.0.2.10",
		RTSPPort:      554,
		MainPath:      "/stream1",
		SubPath:       "/stream2",
		PathName:      "front_door",
		ONVIFPort:     0,
		ONVIFUsername: "admin",
		ONVIFPassword: "admin123",
		Main:          config.StreamParams{Width: 1920, Height: 1080, Framerate: 30},
		Sub:           config.StreamParams{Width: 640, Height: 480, Framerate: 15},
	}

	s, err := NewServer(ServerConfig{
		Camera:      cam,
		BindIP:      "127.0.0.1",
		AdvertiseIP: "127.0.0.1",
		RTSPPort:    8554,
		HLSPort:     8888,
	})
	require.NoError(t, err)

	return s
}

func soapRequest(action, namespace string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:m="%s">
	<soap:Body>
		<m:%s/>
	</soap:Body>
</soap:Envelope>`, namespace, action)
}

func soapRequestWithToken(action, namespace, username, password string) string {
	nonce := []byte("random-nonce-1234")
	created := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:m="%s">
	<soap:Header>
		<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
			<UsernameToken>
				<Username>%s</Username>
				<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
				<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
				<Created>%s</Created>
			</UsernameToken>
		</Security>
	</soap:Header>
	<soap:Body>
		<m:%s/>
	</soap:Body>
</soap:Envelope>`, namespace, username, digest, base64.StdEncoding.EncodeToString(nonce), created, action)
}

func post(s *Server, body string, modify ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/onvif/device_service", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/soap+xml")

	for _, m := range modify {
		m(req)
	}

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	return rec
}

func withBasicAuth(username, password string) func(*http.Request) {
	return func(r *http.Request) {
		r.SetBasicAuth(username, password)
	}
}

func TestGetDeviceInformation(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetDeviceInformation", nsDevice), withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/soap+xml")
	require.Contains(t, rec.Body.String(), "GetDeviceInformationResponse")
	require.Contains(t, rec.Body.String(), "Front Door")
	require.Contains(t, rec.Body.String(), "<tds:SerialNumber>")
}

func TestGetCapabilities(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetCapabilities", nsDevice), withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "GetCapabilitiesResponse")
	require.Contains(t, rec.Body.String(), "media_service")
}

func TestGetServices(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetServices", nsDevice), withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "device/wsdl")
	require.Contains(t, rec.Body.String(), "media/wsdl")
	require.Contains(t, rec.Body.String(), "ver20/media/wsdl")
}

func TestGetSystemDateAndTimeUnauthenticated(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetSystemDateAndTime", nsDevice))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "UTCDateTime")
	require.Contains(t, rec.Body.String(), "LocalDateTime")
}

func TestGetNetworkInterfaces(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetNetworkInterfaces", nsDevice), withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "HwAddress")
}

func TestGetProfiles(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetProfiles", nsMedia), withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "GetProfilesResponse")
	require.Contains(t, rec.Body.String(), "MainProfile")
	require.Contains(t, rec.Body.String(), "SubProfile")
	require.Contains(t, rec.Body.String(), "mainStream")
	require.Contains(t, rec.Body.String(), "subStream")
	require.Contains(t, rec.Body.String(), "<tt:Width>1920</tt:Width>")
	require.Contains(t, rec.Body.String(), "<tt:Height>1080</tt:Height>")
	require.Contains(t, rec.Body.String(), "FrameRateLimit")
}

func TestGetVideoSources(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetVideoSources", nsMedia), withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "VideoSourceMain")
	require.Contains(t, rec.Body.String(), "VideoSourceSub")
}

func TestGetStreamURI(t *testing.T) {
	s := testServer(t)

	body := strings.Replace(soapRequest("GetStreamUri", nsMedia),
		"<m:GetStreamUri/>",
		"<m:GetStreamUri><m:ProfileToken>MainProfile</m:ProfileToken></m:GetStreamUri>", 1)

	rec := post(s, body, withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rtsp://127.0.0.1:8554/front_door_main")
}

func TestGetStreamURISub(t *testing.T) {
	s := testServer(t)

	body := strings.Replace(soapRequest("GetStreamUri", nsMedia),
		"<m:GetStreamUri/>",
		"<m:GetStreamUri><m:ProfileToken>SubProfile</m:ProfileToken></m:GetStreamUri>", 1)

	rec := post(s, body, withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rtsp://127.0.0.1:8554/front_door_sub")
}

func TestMedia2GetStreamURI(t *testing.T) {
	s := testServer(t)

	body := strings.Replace(soapRequest("GetStreamUri", nsMedia2),
		"<m:GetStreamUri/>",
		"<m:GetStreamUri><m:ProfileToken>SubProfile</m:ProfileToken></m:GetStreamUri>", 1)

	rec := post(s, body, withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tr2:GetStreamUriResponse")
	require.Contains(t, rec.Body.String(), "rtsp://127.0.0.1:8554/front_door_sub")
}

func TestGetSnapshotURI(t *testing.T) {
	s := testServer(t)

	body := strings.Replace(soapRequest("GetSnapshotUri", nsMedia),
		"<m:GetSnapshotUri/>",
		"<m:GetSnapshotUri><m:ProfileToken>SubProfile</m:ProfileToken></m:GetSnapshotUri>", 1)

	rec := post(s, body, withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http://127.0.0.1:8888/front_door_sub/index.m3u8")
}

func TestWSUsernameTokenDigest(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequestWithToken("GetDeviceInformation", nsDevice, "admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "GetDeviceInformationResponse")
}

func TestWSUsernameTokenWrongPassword(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequestWithToken("GetDeviceInformation", nsDevice, "admin", "wrong"))

	// A bad token is a sender fault, not an HTTP challenge
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "ter:NotAuthorized")
	require.Empty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestBasicAuthWrongPassword(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetDeviceInformation", nsDevice), withBasicAuth("admin", "wrong"))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNoAuth(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("GetDeviceInformation", nsDevice))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	require.Contains(t, rec.Body.String(), "ter:NotAuthorized")
}

func TestMalformedRequest(t *testing.T) {
	s := testServer(t)

	rec := post(s, "this is not XML", withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "s:Fault")
}

func TestEmptyBodyAnswersDeviceInfo(t *testing.T) {
	s := testServer(t)

	body := `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">
	<soap:Body>
	</soap:Body>
</soap:Envelope>`

	rec := post(s, body, withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "GetDeviceInformationResponse")
}

func TestUnknownAction(t *testing.T) {
	s := testServer(t)

	rec := post(s, soapRequest("SystemReboot", nsDevice), withBasicAuth("admin", "admin123"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "ter:ActionNotSupported")
}

func TestServeGETDescription(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/onvif/device_service", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "definitions")
}

func TestServerLifecycle(t *testing.T) {
	s := testServer(t)

	require.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())

	require.Eventually(t, func() bool {
		return s.State() == StateServing
	}, 5*time.Second, 50*time.Millisecond)

	// a real TCP listener exists
	res, err := http.Get("http://" + s.Addr() + "/onvif/device_service")
	require.NoError(t, err)
	res.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultDrainTimeout)
	defer cancel()

	require.NoError(t, s.Shutdown(ctx))
	require.Equal(t, StateClosed, s.State())
}

func TestBindFailure(t *testing.T) {
	first := testServer(t)
	require.NoError(t, first.Start())

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		first.Shutdown(ctx)
	}()

	_, portStr, err := splitHostPort(first.Addr())
	require.NoError(t, err)

	second := testServer(t)
	second.port = portStr

	err = second.Start()
	require.ErrorIs(t, err, ErrBind)
}

func splitHostPort(addr string) (string, int, error) {
	var host string
	var port int

	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid address %s", addr)
	}

	host = addr[:idx]
	_, err := fmt.Sscanf(addr[idx+1:], "%d", &port)

	return host, port, err
}
