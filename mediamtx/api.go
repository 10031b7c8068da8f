package mediamtx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/onvifcam/gateway/encoding/json"
)

// APIClient talks to the control API of the media server. It is only used
// for readiness polling and stream health; every failure is treated as
// "not ready".
type APIClient struct {
	Address string // host:port of the control API
	Client  *http.Client
}

// NewAPIClient returns a client for the control API at the given address.
func NewAPIClient(address string) *APIClient {
	return &APIClient{
		Address: address,
		Client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// PathStatus is the subset of the path state the gateway cares about.
type PathStatus struct {
	Name          string     `json:"name"`
	Ready         bool       `json:"ready"`
	Source        pathSource `json:"source"`
	BytesReceived uint64     `json:"bytesReceived"`
}

type pathSource struct {
	Type string `json:"type"`
}

type pathList struct {
	Items []PathStatus `json:"items"`
}

// PathReady reports whether the named path exists and has a ready source.
func (c *APIClient) PathReady(ctx context.Context, name string) bool {
	status, err := c.Path(ctx, name)
	if err != nil {
		return false
	}

	return status.Ready
}

// Path fetches the state of a single path.
func (c *APIClient) Path(ctx context.Context, name string) (PathStatus, error) {
	status := PathStatus{}

	data, err := c.get(ctx, "/v3/paths/get/"+url.PathEscape(name))
	if err != nil {
		return status, err
	}

	if err := json.Unmarshal(data, &status); err != nil {
		return status, err
	}

	return status, nil
}

// Paths fetches the state of all paths.
func (c *APIClient) Paths(ctx context.Context) ([]PathStatus, error) {
	data, err := c.get(ctx, "/v3/paths/list")
	if err != nil {
		return nil, err
	}

	list := pathList{}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}

	return list.Items, nil
}

func (c *APIClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.Address+path, nil)
	if err != nil {
		return nil, err
	}

	res, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", res.StatusCode)
	}

	return io.ReadAll(res.Body)
}
