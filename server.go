package relaydir

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/relaydir/directory"
	"github.com/lightningnetwork/relaydir/registry"
	"github.com/lightningnetwork/relaydir/relay"
	"golang.org/x/time/rate"
)

// bannerMessage is returned by the root route.
const bannerMessage = "Directory Authority Proxy"

// maxRequestBody bounds registration request bodies.
const maxRequestBody = 1 << 16

// errRefreshLimited is returned when /nodes is asked to refresh the directory
// more often than configured.
var errRefreshLimited = errors.New("directory refresh rate exceeded, " +
	"try again later")

// DirectoryProvider produces filtered directories.
type DirectoryProvider interface {
	GetDirectory(ctx context.Context,
		opts directory.FilterOptions) (*directory.Snapshot, error)
}

// NodeRegistry stores self registered nodes.
type NodeRegistry interface {
	Register(publicKey, address string, role relay.Role,
		bandwidth fn.Option[uint64]) (registry.Node, error)
	Touch(id string) error
	Available(maxAge time.Duration) []registry.Node
}

// server serves the directory API.
type server struct {
	directory DirectoryProvider
	registry  NodeRegistry
	cors      bool

	// refreshLimiter bounds the directory refreshes triggered through
	// /nodes. A nil limiter serves every request.
	refreshLimiter *rate.Limiter
}

// newServer creates the API handler.
func newServer(dir DirectoryProvider, reg NodeRegistry, cors bool,
	refreshLimiter *rate.Limiter) *server {

	return &server{
		directory:      dir,
		registry:       reg,
		cors:           cors,
		refreshLimiter: refreshLimiter,
	}
}

// Handler returns the HTTP handler with every route registered.
func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /nodes", s.handleNodes)
	mux.HandleFunc("POST /registry/nodes", s.handleRegister)
	mux.HandleFunc("POST /registry/nodes/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /registry/nodes", s.handleAvailable)

	if !s.cors {
		return mux
	}

	return withCORS(mux)
}

// withCORS allows cross origin requests from any origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type messageResponse struct {
	Message string `json:"message"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type failureResponse struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Causes []failureResponse `json:"causes,omitempty"`
}

type nodesResponse struct {
	Source    string            `json:"source"`
	FetchedAt time.Time         `json:"fetched_at"`
	Count     int               `json:"count"`
	Nodes     []relay.Record    `json:"nodes"`
	Failures  []failureResponse `json:"failures,omitempty"`
}

type registerRequest struct {
	PublicKey string  `json:"public_key"`
	Address   string  `json:"address"`
	Role      string  `json:"role"`
	Bandwidth *uint64 `json:"bandwidth,omitempty"`
}

type registeredNode struct {
	ID        string     `json:"id"`
	PublicKey string     `json:"public_key"`
	Address   string     `json:"address"`
	Role      relay.Role `json:"role"`
	LastSeen  time.Time  `json:"last_seen"`
	Bandwidth *uint64    `json:"bandwidth,omitempty"`
}

type registeredNodesResponse struct {
	Nodes []registeredNode `json:"nodes"`
}

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: bannerMessage})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleNodes runs a directory refresh with the filters of the query.
func (s *server) handleNodes(w http.ResponseWriter, r *http.Request) {
	opts, err := parseFilterOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if s.refreshLimiter != nil && !s.refreshLimiter.Allow() {
		rdirLog.Debugf("Refusing directory refresh for %v: rate "+
			"limited", r.RemoteAddr)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, errRefreshLimited)
		return
	}

	snap, err := s.directory.GetDirectory(r.Context(), opts)
	switch {
	case errors.Is(err, directory.ErrUnknownSource):
		writeError(w, http.StatusBadRequest, err)
		return

	case err != nil:
		resp := errorResponse{Error: err.Error()}

		var dirErr *directory.Error
		if errors.As(err, &dirErr) {
			for _, f := range dirErr.Failures {
				resp.Causes = append(resp.Causes,
					failureResponse{
						Source: f.SourceID,
						Error:  f.Reason.Error(),
					})
			}
		}

		rdirLog.Warnf("Unable to serve directory to %v: %v",
			r.RemoteAddr, err)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp := nodesResponse{
		Source:    snap.Source,
		FetchedAt: snap.FetchedAt.UTC(),
		Count:     len(snap.Records),
		Nodes:     snap.Records,
	}
	if resp.Nodes == nil {
		resp.Nodes = []relay.Record{}
	}
	for _, f := range snap.Failures {
		resp.Failures = append(resp.Failures, failureResponse{
			Source: f.SourceID,
			Error:  f.Reason.Error(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseFilterOptions reads the role, minbandwidth, flag and source query
// parameters. Every list parameter may be repeated or comma separated.
func parseFilterOptions(r *http.Request) (directory.FilterOptions, error) {
	query := r.URL.Query()

	var (
		opts directory.FilterOptions
		err  error
	)
	opts.Roles, err = relay.ParseRoles(query["role"])
	if err != nil {
		return opts, err
	}

	if raw := query.Get("minbandwidth"); raw != "" {
		bw, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return opts, errors.New("minbandwidth must be a " +
				"non-negative integer")
		}
		opts.MinBandwidth = fn.Some(bw)
	}

	opts.RequireFlags = splitList(query["flag"])
	opts.Sources = splitList(query["source"])

	return opts, nil
}

// splitList flattens repeated and comma separated query values.
func splitList(values []string) []string {
	var list []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				list = append(list, item)
			}
		}
	}

	return list
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	role, err := relay.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	bandwidth := fn.None[uint64]()
	if req.Bandwidth != nil {
		bandwidth = fn.Some(*req.Bandwidth)
	}

	node, err := s.registry.Register(
		req.PublicKey, req.Address, role, bandwidth,
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRegisteredNode(node))
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Touch(r.PathValue("id"))
	switch {
	case errors.Is(err, registry.ErrUnknownNode):
		writeError(w, http.StatusNotFound, err)

	case err != nil:
		writeError(w, http.StatusInternalServerError, err)

	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	maxAge := registry.DefaultMaxAge
	if raw := r.URL.Query().Get("maxage"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest,
				errors.New("maxage must be a positive duration"))
			return
		}
		maxAge = d
	}

	nodes := s.registry.Available(maxAge)
	resp := registeredNodesResponse{
		Nodes: make([]registeredNode, 0, len(nodes)),
	}
	for _, node := range nodes {
		resp.Nodes = append(resp.Nodes, toRegisteredNode(node))
	}

	writeJSON(w, http.StatusOK, resp)
}

func toRegisteredNode(node registry.Node) registeredNode {
	resp := registeredNode{
		ID:        node.ID,
		PublicKey: node.PublicKey,
		Address:   node.Address,
		Role:      node.Role,
		LastSeen:  node.LastSeen.UTC(),
	}
	node.Bandwidth.WhenSome(func(bw uint64) {
		resp.Bandwidth = &bw
	})

	return resp
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		rdirLog.Debugf("Unable to write response: %v", err)
	}
}
