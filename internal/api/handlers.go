package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/bandwidth"
	"github.com/wesleywu/routemesh/internal/connection"
	"github.com/wesleywu/routemesh/internal/discovery"
	"github.com/wesleywu/routemesh/internal/registry"
	"github.com/wesleywu/routemesh/internal/routing/types"
)

type TraceRouteRequest struct {
	Destination string `json:"destination"`
}

type PingRequest struct {
	Target string `json:"target"`
	Count  int    `json:"count"`
}

type DiagnoseRequest struct {
	Target string `json:"target"`
}

type BandwidthTestRequest struct {
	Target          string  `json:"target"`
	DurationSeconds float64 `json:"duration_seconds"`
	Direction       string  `json:"direction"`
}

type BandwidthTestResponse struct {
	TestID string `json:"test_id"`
	Status string `json:"status"`
}

type RoutingTableResponse struct {
	Routes      []types.RouteRecord `json:"routes"`
	IPv4Routes  int                 `json:"ipv4_routes"`
	IPv6Routes  int                 `json:"ipv6_routes"`
	Fingerprint string              `json:"fingerprint"`
}

type NodesResponse struct {
	LocalNodeID string          `json:"local_node_id"`
	Nodes       []registry.Node `json:"nodes"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	Version string `json:"version"`
}

func disabled(feature string) error {
	return apperr.New(apperr.PlatformNotSupported, "%s is disabled on this node", feature)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.cfg.Version}
	if s.deps.Nodes != nil {
		resp.NodeID = s.deps.Nodes.LocalID()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTraceRoute(w http.ResponseWriter, r *http.Request) {
	var req TraceRouteRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := requireField("destination", req.Destination); err != nil {
		writeError(w, s.log, err)
		return
	}
	if s.deps.Diagnose == nil {
		writeError(w, s.log, disabled("trace-route"))
		return
	}
	res, err := s.deps.Diagnose.TraceRoute(r.Context(), req.Destination)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req PingRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := requireField("target", req.Target); err != nil {
		writeError(w, s.log, err)
		return
	}
	if s.deps.Diagnose == nil {
		writeError(w, s.log, disabled("ping"))
		return
	}
	res, err := s.deps.Diagnose.Ping(r.Context(), req.Target, req.Count)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req DiagnoseRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := requireField("target", req.Target); err != nil {
		writeError(w, s.log, err)
		return
	}
	if s.deps.Diagnose == nil {
		writeError(w, s.log, disabled("diagnose"))
		return
	}
	rep, err := s.deps.Diagnose.Diagnose(r.Context(), req.Target)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// startBandwidthTest is shared by the REST route and the websocket command
func (s *Server) startBandwidthTest(req BandwidthTestRequest) (string, error) {
	if s.deps.Bandwidth == nil || s.deps.Nodes == nil {
		return "", disabled("bandwidth testing")
	}
	if err := requireField("target", req.Target); err != nil {
		return "", err
	}
	if req.DurationSeconds < 0 {
		return "", badRequest("duration_seconds must not be negative")
	}
	direction, err := bandwidth.ParseDirection(req.Direction)
	if err != nil {
		return "", err
	}
	node, ok := s.deps.Nodes.Get(req.Target)
	if !ok {
		node, ok = s.deps.Nodes.FindByHostname(req.Target)
	}
	if !ok {
		return "", apperr.New(apperr.NodeNotFound, "node %s", req.Target)
	}
	duration := time.Duration(req.DurationSeconds * float64(time.Second))
	return s.deps.Bandwidth.StartTest(node.ID, duration, direction)
}

func (s *Server) handleStartBandwidthTest(w http.ResponseWriter, r *http.Request) {
	var req BandwidthTestRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	id, err := s.startBandwidthTest(req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, BandwidthTestResponse{TestID: id, Status: "started"})
}

func (s *Server) handleActiveBandwidthTests(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bandwidth == nil {
		writeJSON(w, http.StatusOK, []bandwidth.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Bandwidth.Active())
}

func (s *Server) handleCancelBandwidthTest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bandwidth == nil {
		writeError(w, s.log, disabled("bandwidth testing"))
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Bandwidth.Cancel(id); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, BandwidthTestResponse{TestID: id, Status: "cancelling"})
}

func (s *Server) routingTable() RoutingTableResponse {
	routes := s.deps.Routes.Routes()
	resp := RoutingTableResponse{
		Routes:      make([]types.RouteRecord, 0, len(routes)),
		Fingerprint: strconv.FormatUint(s.deps.Routes.Fingerprint(), 16),
	}
	for _, rt := range routes {
		resp.Routes = append(resp.Routes, rt.Record())
	}
	resp.IPv4Routes, resp.IPv6Routes = s.deps.Routes.Counts()
	return resp
}

func (s *Server) handleRoutingTable(w http.ResponseWriter, r *http.Request) {
	if s.deps.Routes == nil {
		writeError(w, s.log, disabled("the routing table"))
		return
	}
	writeJSON(w, http.StatusOK, s.routingTable())
}

func (s *Server) handleRefreshRoutingTable(w http.ResponseWriter, r *http.Request) {
	if s.deps.Routes == nil || s.deps.Refresher == nil {
		writeError(w, s.log, disabled("routing table refresh"))
		return
	}
	if err := s.deps.Refresher.Refresh(r.Context()); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, s.routingTable())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Nodes == nil {
		writeError(w, s.log, disabled("discovery"))
		return
	}
	var statuses []registry.Status
	if q := r.URL.Query().Get("status"); q != "" {
		for _, part := range strings.Split(q, ",") {
			st := registry.Status(strings.TrimSpace(strings.ToLower(part)))
			if !st.Valid() {
				writeError(w, s.log, badRequest("unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}

	var nodes []registry.Node
	if len(statuses) > 0 {
		nodes = s.deps.Nodes.ListStatus(statuses...)
	} else {
		nodes = s.deps.Nodes.List()
	}
	if nodes == nil {
		nodes = []registry.Node{}
	}
	writeJSON(w, http.StatusOK, NodesResponse{LocalNodeID: s.deps.Nodes.LocalID(), Nodes: nodes})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Nodes == nil {
		writeError(w, s.log, disabled("discovery"))
		return
	}
	id := r.PathValue("id")
	node, ok := s.deps.Nodes.Get(id)
	if !ok {
		writeError(w, s.log, apperr.New(apperr.NodeNotFound, "node %s", id))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conns == nil {
		writeJSON(w, http.StatusOK, []connection.Connection{})
		return
	}
	var conns []connection.Connection
	if id := r.URL.Query().Get("node_id"); id != "" {
		conns = s.deps.Conns.Involving(id)
	} else {
		conns = s.deps.Conns.List()
	}
	if conns == nil {
		conns = []connection.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

// handlePeers serves the gossip pull. Offline nodes are left out so a
// departed peer is not resurrected on the puller.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Nodes == nil {
		writeError(w, s.log, disabled("discovery"))
		return
	}
	peers := s.deps.Nodes.ListStatus(registry.StatusDiscovered, registry.StatusOnline, registry.StatusDegraded)
	if peers == nil {
		peers = []registry.Node{}
	}
	writeJSON(w, http.StatusOK, discovery.PeersResponse{NodeID: s.deps.Nodes.LocalID(), Peers: peers})
}

func (s *Server) handleOpenEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Endpoints == nil {
		writeError(w, s.log, disabled("bandwidth testing"))
		return
	}
	var req bandwidth.OpenRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	e, err := s.deps.Endpoints.Open(req)
	if err != nil {
		if errors.Is(err, bandwidth.ErrInvalidRequest) {
			err = apperr.Wrap(apperr.InvalidDestination, err, "invalid endpoint request")
		}
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, bandwidth.OpenResponse{TestID: req.TestID, Port: e.Port()})
}

// handleCloseEndpoint drops the endpoint of a test the requester gave up on.
// Closing an endpoint that is already gone is not an error.
func (s *Server) handleCloseEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Endpoints == nil {
		writeError(w, s.log, disabled("bandwidth testing"))
		return
	}
	id := r.PathValue("test_id")
	writeJSON(w, http.StatusOK, bandwidth.CloseResponse{TestID: id, Closed: s.deps.Endpoints.CloseTest(id)})
}
