package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/wesleywu/routemesh/internal/registry"
)

// PeersPath is where every node serves its peer list
const PeersPath = "/api/peers"

// PeersResponse is the body of GET /api/peers
type PeersResponse struct {
	NodeID string          `json:"node_id"`
	Peers  []registry.Node `json:"peers"`
}

// PeerFetcher pulls the peer list of a remote node
type PeerFetcher interface {
	FetchPeers(ctx context.Context, node registry.Node) ([]registry.NodeInfo, error)
}

// HTTPPeerFetcher fetches peer lists from the remote node's API
type HTTPPeerFetcher struct {
	Client *http.Client
}

func NewHTTPPeerFetcher(timeout time.Duration) *HTTPPeerFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPeerFetcher{Client: &http.Client{Timeout: timeout}}
}

// FetchPeers tries each address of node until one answers
func (f *HTTPPeerFetcher) FetchPeers(ctx context.Context, node registry.Node) ([]registry.NodeInfo, error) {
	if node.Port == 0 || len(node.Addresses) == 0 {
		return nil, fmt.Errorf("node %s has no api address", node.ID)
	}

	var errs error
	for _, addr := range node.Addresses {
		host := addr.String()
		if addr.Is6() && addr.Zone() == "" && addr.IsLinkLocalUnicast() {
			continue
		}
		url := "http://" + net.JoinHostPort(host, strconv.Itoa(node.Port)) + PeersPath
		infos, err := f.fetch(ctx, url, node.ID)
		if err == nil {
			return infos, nil
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		errs = fmt.Errorf("node %s has no usable address", node.ID)
	}
	return nil, errs
}

func (f *HTTPPeerFetcher) fetch(ctx context.Context, url, expectID string) ([]registry.NodeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	var body PeersResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode peer list from %s: %w", url, err)
	}
	if expectID != "" && body.NodeID != "" && body.NodeID != expectID {
		return nil, fmt.Errorf("peer list from %s belongs to %s, expected %s", url, body.NodeID, expectID)
	}

	infos := make([]registry.NodeInfo, 0, len(body.Peers))
	for _, n := range body.Peers {
		infos = append(infos, registry.InfoOf(n))
	}
	return infos, nil
}
