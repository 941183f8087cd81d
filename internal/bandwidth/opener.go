package bandwidth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/wesleywu/routemesh/internal/registry"
)

// EndpointPath is where nodes accept endpoint open requests from peers
const EndpointPath = "/api/bandwidth/endpoint"

// Opener asks a target node to open a test endpoint and returns its
// address. Close drops the endpoint of a test that ended early.
type Opener interface {
	Open(ctx context.Context, node registry.Node, req OpenRequest) (netip.AddrPort, error)
	Close(ctx context.Context, node registry.Node, testID string) error
}

// CloseResponse answers an endpoint close request
type CloseResponse struct {
	TestID string `json:"test_id"`
	Closed bool   `json:"closed"`
}

// HTTPOpener posts the request to the target's API
type HTTPOpener struct {
	Client *http.Client
}

func NewHTTPOpener(timeout time.Duration) *HTTPOpener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOpener{Client: &http.Client{Timeout: timeout}}
}

func (o *HTTPOpener) Open(ctx context.Context, node registry.Node, req OpenRequest) (netip.AddrPort, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return netip.AddrPort{}, err
	}

	var errs error
	for _, addr := range usableAddrs(node) {
		port, err := o.post(ctx, endpointURL(addr, node.Port, ""), body)
		if err == nil {
			return netip.AddrPortFrom(addr, uint16(port)), nil
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		errs = fmt.Errorf("node %s has no usable address", node.ID)
	}
	return netip.AddrPort{}, errs
}

func (o *HTTPOpener) Close(ctx context.Context, node registry.Node, testID string) error {
	var errs error
	for _, addr := range usableAddrs(node) {
		target := endpointURL(addr, node.Port, testID)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
		if err != nil {
			return err
		}
		resp, err := o.client().Do(req)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		errs = multierr.Append(errs, fmt.Errorf("DELETE %s: status %d", target, resp.StatusCode))
	}
	if errs == nil {
		errs = fmt.Errorf("node %s has no usable address", node.ID)
	}
	return errs
}

// usableAddrs skips link-local v6 addresses without a zone, they cannot be dialled
func usableAddrs(node registry.Node) []netip.Addr {
	out := make([]netip.Addr, 0, len(node.Addresses))
	for _, addr := range node.Addresses {
		if addr.Is6() && addr.Zone() == "" && addr.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func endpointURL(addr netip.Addr, port int, testID string) string {
	u := "http://" + net.JoinHostPort(addr.String(), strconv.Itoa(port)) + EndpointPath
	if testID != "" {
		u += "/" + url.PathEscape(testID)
	}
	return u
}

func (o *HTTPOpener) client() *http.Client {
	if o.Client == nil {
		return http.DefaultClient
	}
	return o.Client
}

func (o *HTTPOpener) post(ctx context.Context, target string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("POST %s: status %d", target, resp.StatusCode)
	}
	var out OpenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode endpoint from %s: %w", target, err)
	}
	if out.Port <= 0 || out.Port > 65535 {
		return 0, fmt.Errorf("endpoint from %s has invalid port %d", target, out.Port)
	}
	return out.Port, nil
}
