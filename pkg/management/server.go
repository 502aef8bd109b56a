// Package management is the HTTP management and data API for the router.
package management

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/lab5e/ringfunk/pkg/funk"
	"github.com/lab5e/ringfunk/pkg/funk/coordinator"
	"github.com/lab5e/ringfunk/pkg/funk/rebalance"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeBinary      = "application/octet-stream"
	defaultShutdownTimeout = 5 * time.Second
	maxValueSize           = 16 << 20

	// VersionHeader holds the directory version used for a data request
	VersionHeader = "X-Directory-Version"
	// ShardHeader holds the shard that served a data request
	ShardHeader = "X-Shard"
)

// Server is the management server
type Server struct {
	router     *funk.Router
	endpoint   string
	mutex      *sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new management server for the router
func NewServer(router *funk.Router, endpoint string) *Server {
	return &Server{
		router:   router,
		endpoint: endpoint,
		mutex:    &sync.Mutex{},
	}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/directory", s.handleDirectory)
	r.Get("/hotspots", s.handleHotspots)
	r.Get("/events", s.handleEvents)

	r.Route("/shards", func(r chi.Router) {
		r.Get("/", s.handleListShards)
		r.Post("/", s.handleAddShard)
		r.Delete("/{id}", s.handleRemoveShard)
		r.Put("/{id}/weight", s.handleReweightShard)
	})
	r.Route("/migrations", func(r chi.Router) {
		r.Get("/", s.handleListMigrations)
		r.Get("/{id}", s.handleGetMigration)
		r.Delete("/{id}", s.handleAbortMigration)
	})
	r.Route("/kv", func(r chi.Router) {
		r.Post("/", s.handleMultiGet)
		r.Get("/{key}", s.handleGet)
		r.Put("/{key}", s.handlePut)
		r.Delete("/{key}", s.handleDelete)
	})
	return r
}

// Start launches the server in the background
func (s *Server) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Management server stopped")
		}
	}(s.httpServer)
	log.WithField("endpoint", listener.Addr().String()).Info("Management server started")
	return nil
}

// Endpoint returns the address the server listens on
func (s *Server) Endpoint() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return s.endpoint
	}
	return s.listener.Addr().String()
}

// Stop shuts down the server
func (s *Server) Stop() error {
	s.mutex.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mutex.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warning("Error encoding response")
	}
}

// statusCode maps errors to HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, sharding.ErrNotFound),
		errors.Is(err, sharding.ErrUnknownShard),
		errors.Is(err, rebalance.ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, rebalance.ErrRebalanceInProgress),
		errors.Is(err, rebalance.ErrNotAbortable),
		errors.Is(err, routing.ErrStaleVersion),
		errors.Is(err, sharding.ErrDuplicateShard):
		return http.StatusConflict
	case errors.Is(err, sharding.ErrInvalidWeight),
		errors.Is(err, sharding.ErrTooManyVirtualNodes),
		errors.Is(err, sharding.ErrInvalidShardID),
		errors.Is(err, rebalance.ErrNoChange):
		return http.StatusBadRequest
	case errors.Is(err, sharding.ErrNoShardsAvailable),
		errors.Is(err, sharding.ErrShardUnreachable),
		errors.Is(err, rebalance.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrShardTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, coordinator.ErrFanOutFailed),
		errors.Is(err, coordinator.ErrMirrorFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Warning("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxValueSize)).Decode(v); err != nil {
		return &requestError{err}
	}
	return nil
}

// requestError is returned for malformed requests
type requestError struct {
	err error
}

func (r *requestError) Error() string {
	return "invalid request: " + r.err.Error()
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dir := s.router.Directory()
	ret := StatusResponse{
		Status:  "ok",
		NodeID:  s.router.NodeID(),
		Version: dir.Version(),
		Shards:  dir.Size(),
	}
	if active, ok := s.router.Rebalancer().Active(); ok {
		ret.ActiveMigration = active.ID
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) directory() DirectoryResponse {
	dir := s.router.Directory()
	counts := s.router.Coordinator().RequestCounts()
	vnodes := make(map[string]int)
	for _, v := range dir.VirtualNodes() {
		vnodes[v.ShardID]++
	}
	ret := DirectoryResponse{
		Version:      dir.Version(),
		Replicas:     dir.Replicas(),
		Hash:         dir.HashName(),
		VirtualNodes: len(dir.VirtualNodes()),
		Reachable:    s.router.Table().Versions(),
		Shards:       make([]ShardInfo, 0, dir.Size()),
	}
	for _, shard := range dir.Shards() {
		ret.Shards = append(ret.Shards, ShardInfo{
			Shard:        shard,
			Owned:        dir.OwnedFraction(shard.ID),
			RequestCount: counts[shard.ID],
			VirtualNodes: vnodes[shard.ID],
		})
	}
	return ret
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.directory())
}

func (s *Server) handleListShards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.directory().Shards)
}

func (s *Server) handleAddShard(w http.ResponseWriter, r *http.Request) {
	var shard sharding.Shard
	if err := readJSON(r, &shard); err != nil {
		badRequest(w, err)
		return
	}
	if shard.Weight == 0 {
		shard.Weight = 1
	}
	shard.Health = sharding.Healthy
	id, err := s.router.Rebalancer().AddShard(shard)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PlanResponse{PlanID: id})
}

func (s *Server) handleRemoveShard(w http.ResponseWriter, r *http.Request) {
	id, err := s.router.Rebalancer().RemoveShard(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PlanResponse{PlanID: id})
}

func (s *Server) handleReweightShard(w http.ResponseWriter, r *http.Request) {
	var req WeightRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	id, err := s.router.Rebalancer().ReweightShard(chi.URLParam(r, "id"), req.Weight)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PlanResponse{PlanID: id})
}

func (s *Server) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Rebalancer().Plans())
}

func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	status, err := s.router.Rebalancer().Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAbortMigration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.router.Rebalancer().Abort(id); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.router.Rebalancer().Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleHotspots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Monitor().Snapshot())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEvents streams router events to a websocket client. The current
// directory is sent first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("Unable to upgrade connection")
		return
	}
	defer conn.Close()

	events := s.router.Observe()
	defer s.router.Unobserve(events)

	dir := s.router.Directory()
	if err := conn.WriteJSON(funk.Event{
		Kind:      funk.DirectoryPublished,
		Timestamp: time.Now(),
		Version:   dir.Version(),
		Shards:    dir.Size(),
	}); err != nil {
		log.WithError(err).Debug("Error writing preset event")
		return
	}

	// The client never sends anything but reading is required to see close frames
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "router stopped"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("Error writing event")
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// setRouteHeaders sets the version and shard headers for the route that
// served a request
func setRouteHeaders(w http.ResponseWriter, route coordinator.Route) {
	w.Header().Set(VersionHeader, strconv.FormatUint(route.Version, 10))
	w.Header().Set(ShardHeader, route.ShardID)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := []byte(chi.URLParam(r, "key"))
	value, route, err := s.router.Coordinator().Get(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	setRouteHeaders(w, route)
	w.Header().Set("Content-Type", contentTypeBinary)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(value); err != nil {
		log.WithError(err).Debug("Error writing value")
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := []byte(chi.URLParam(r, "key"))
	defer r.Body.Close()
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize))
	if err != nil {
		badRequest(w, err)
		return
	}
	route, err := s.router.Coordinator().Put(r.Context(), key, value)
	if err != nil {
		writeError(w, err)
		return
	}
	setRouteHeaders(w, route)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := []byte(chi.URLParam(r, "key"))
	route, err := s.router.Coordinator().Delete(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	setRouteHeaders(w, route)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMultiGet(w http.ResponseWriter, r *http.Request) {
	var req MultiGetRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	keys := make([][]byte, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = []byte(k)
	}
	res, err := s.router.Coordinator().MultiGet(r.Context(), keys, coordinator.FanOutOptions{
		AllOrNothing: req.AllOrNothing,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	var partial *coordinator.PartialFanOutError
	if err != nil && (errors.Is(err, coordinator.ErrFanOutFailed) || !errors.As(err, &partial)) {
		writeError(w, err)
		return
	}
	ret := MultiGetResponse{
		Version: res.Version,
		Results: make([]KeyResult, len(keys)),
		Partial: partial != nil,
	}
	for i, k := range req.Keys {
		ret.Results[i] = KeyResult{Key: k, Value: res.Values[i], Found: res.Values[i] != nil}
		if res.Errors[i] != nil {
			ret.Results[i].Error = res.Errors[i].Error()
		}
	}
	if len(res.ShardErrors) > 0 {
		ret.ShardErrors = make(map[string]string, len(res.ShardErrors))
		for id, e := range res.ShardErrors {
			ret.ShardErrors[id] = e.Error()
		}
	}
	writeJSON(w, http.StatusOK, ret)
}
