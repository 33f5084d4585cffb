package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"dlog/pkg/dlogerrors"
	"dlog/pkg/epoch"
	"dlog/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	defaultConsumeMax      = 100
)

// iCore is the write-path core behind the HTTP surface.
type iCore interface {
	Produce(ctx context.Context, partition types.PartitionID, key, value []byte) (types.EpochOffset, error)
	Consume(ctx context.Context, partition types.PartitionID, start types.EpochOffset, max int) ([]types.Record, error)
	ApplyReplica(rec types.Record) (types.EpochOffset, error)
	ActivateEpoch(ctx context.Context, partition types.PartitionID, e types.Epoch) error
	SealEpoch(ctx context.Context, partition types.PartitionID, e types.Epoch) error
	PartitionStatus(partition types.PartitionID) (types.Epoch, epoch.Status, error)
	ISR(partition types.PartitionID) ([]types.NodeID, error)
}

// iRaftNode is the optional consensus node serving the raft endpoint.
type iRaftNode interface {
	Handle(ctx context.Context, message raftpb.Message) error
	Run(ctx context.Context) error
	Stop() error
}

// Server exposes produce/consume plus the internal replication and raft
// endpoints of one dlog node.
type Server struct {
	core       iCore
	node       iRaftNode
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance. node may be nil when the node
// runs with local consensus.
func NewServer(core iCore, node iRaftNode, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		core: core,
		node: node,
		URL:  "http://localhost:" + port,
		addr: ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	if s.node != nil {
		go func() {
			if err := s.node.Run(context.Background()); err != nil {
				slog.Error("consensus node error", "error", err)
			}
		}()
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		if s.node != nil {
			_ = s.node.Stop()
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Post("/api/v1/partitions/{partition}/produce", s.handleProduce)
	r.Get("/api/v1/partitions/{partition}/records", s.handleConsume)
	r.Get("/api/v1/partitions/{partition}/status", s.handleStatus)
	r.Post("/api/v1/partitions/{partition}/epochs/{epoch}/activate", s.handleActivate)
	r.Post("/api/v1/partitions/{partition}/epochs/{epoch}/seal", s.handleSeal)

	r.Post("/api/internal/replicate", s.handleReplicate)
	if s.node != nil {
		r.Post("/api/internal/raft", s.handleRaft)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

type produceRequest struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	partition, ok := s.partitionParam(w, r)
	if !ok {
		return
	}

	var req produceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse request body"))
		return
	}
	if req.Value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing value"))
		return
	}

	var key []byte
	if req.Key != "" {
		key = []byte(req.Key)
	}

	pos, err := s.core.Produce(r.Context(), partition, key, []byte(req.Value))
	if err != nil {
		s.writeJSON(w, produceErrorStatus(err), NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewPositionResponse(pos))
}

// produceErrorStatus maps core errors onto HTTP codes: leadership
// problems tell the client to re-resolve, quorum problems signal
// degraded availability.
func produceErrorStatus(err error) int {
	switch {
	case errors.Is(err, dlogerrors.ErrEpochNotActive):
		return http.StatusConflict
	case errors.Is(err, dlogerrors.ErrQuorumNotAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, dlogerrors.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	partition, ok := s.partitionParam(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	start := types.EpochOffset{}
	if v := query.Get("epoch"); v != "" {
		e, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid epoch"))
			return
		}
		start.Epoch = types.Epoch(e)
	}
	if v := query.Get("offset"); v != "" {
		o, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid offset"))
			return
		}
		start.Offset = types.Offset(o)
	}

	max := defaultConsumeMax
	if v := query.Get("max"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid max"))
			return
		}
		max = m
	}

	recs, err := s.core.Consume(r.Context(), partition, start, max)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewRecordsResponse(recs))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	partition, ok := s.partitionParam(w, r)
	if !ok {
		return
	}

	e, status, err := s.core.PartitionStatus(partition)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(err.Error()))
		return
	}
	isr, err := s.core.ISR(partition)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	resp := NewSuccessResponse()
	resp.Epoch = &e
	resp.State = status.String()
	resp.ISR = isr
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	partition, ok := s.partitionParam(w, r)
	if !ok {
		return
	}
	e, ok := s.epochParam(w, r)
	if !ok {
		return
	}

	if err := s.core.ActivateEpoch(r.Context(), partition, e); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dlogerrors.ErrStaleEpoch) {
			status = http.StatusConflict
		}
		s.writeJSON(w, status, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	partition, ok := s.partitionParam(w, r)
	if !ok {
		return
	}
	e, ok := s.epochParam(w, r)
	if !ok {
		return
	}

	if err := s.core.SealEpoch(r.Context(), partition, e); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleReplicate is the follower side of the replication fan-out: the
// leader posts one record, the follower applies it in order and answers
// with its highest durable position.
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var rec types.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	pos, err := s.core.ApplyReplica(rec)
	if err != nil {
		if errors.Is(err, dlogerrors.ErrOutOfOrder) {
			// Buffered, not applied: no acknowledgment yet.
			s.writeJSON(w, http.StatusConflict, NewErrorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewPositionResponse(pos))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Consensus node not available"))
		return
	}

	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) partitionParam(w http.ResponseWriter, r *http.Request) (types.PartitionID, bool) {
	raw := chi.URLParam(r, "partition")
	p, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid partition"))
		return 0, false
	}
	return types.PartitionID(p), true
}

func (s *Server) epochParam(w http.ResponseWriter, r *http.Request) (types.Epoch, bool) {
	raw := chi.URLParam(r, "epoch")
	e, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid epoch"))
		return 0, false
	}
	return types.Epoch(e), true
}
