package gatewayapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"opbus/internal/core/network"
	"opbus/internal/opbus"
)

const streamBuffer = 32

// ListenersHeader carries the registration ids of a stream, one per op in
// request order, comma separated.
const ListenersHeader = "X-Opbus-Listeners"

// Bus is the part of opbus.Bus the gateway needs.
type Bus interface {
	Publish(ctx context.Context, op int, payload any) (int64, error)
	OnEvent(op int, h opbus.Handler) opbus.RegistrationID
	RemoveListener(target opbus.RemoveTarget) error
}

// Server exposes a Bus over HTTP: publish with POST, follow opcodes with
// server-sent events.
type Server struct {
	bus   Bus
	log   *zap.Logger
	peers func() []string
}

func NewServer(bus Bus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{bus: bus, log: log}
}

// SetPeers makes the health endpoint report the peers returned by fn.
func (s *Server) SetPeers(fn func() []string) {
	s.peers = fn
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/publish", s.handlePublish)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/listeners/", s.handleListener)
	mux.HandleFunc("/api/healthz", s.handleHealth)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Op *int `json:"op"`
		D  any  `json:"d"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Op == nil {
		writeError(w, http.StatusBadRequest, "op required")
		return
	}
	n, err := s.bus.Publish(r.Context(), *req.Op, req.D)
	if err != nil {
		var terr *network.TransportError
		if errors.As(err, &terr) {
			s.log.Warn("publish failed", zap.Int("op", *req.Op), zap.Error(err))
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receivers": n})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rawOps := r.URL.Query()["op"]
	if len(rawOps) == 0 {
		writeError(w, http.StatusBadRequest, "at least one op required")
		return
	}
	ops := make([]int, 0, len(rawOps))
	for _, raw := range rawOps {
		op, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "op must be an integer")
			return
		}
		ops = append(ops, op)
	}

	// ch is never closed: a handler may still be running when the stream ends.
	ch := make(chan []byte, streamBuffer)
	ids := make([]opbus.RegistrationID, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, s.bus.OnEvent(op, func(payload any) error {
			b, err := json.Marshal(opbus.Envelope{Op: op, D: payload})
			if err != nil {
				return err
			}
			select {
			case ch <- b:
			default:
				s.log.Debug("stream client too slow, dropping event", zap.Int("op", op))
			}
			return nil
		}))
	}
	defer func() {
		for _, id := range ids {
			_ = s.bus.RemoveListener(opbus.ByID(id))
		}
	}()

	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	w.Header().Set(ListenersHeader, strings.Join(idStrs, ","))
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			if _, err := w.Write([]byte("event: envelope\ndata: " + string(msg) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleListener removes one registration by id. A stream whose listener is
// removed stays open and stops receiving that op.
func (s *Server) handleListener(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := opbus.ParseRegistrationID(strings.TrimPrefix(r.URL.Path, "/api/listeners/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listener id")
		return
	}
	if err := s.bus.RemoveListener(opbus.ByID(id)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeNoContent(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]any{"ok": s.bus != nil}
	if s.peers != nil {
		peers := s.peers()
		if peers == nil {
			peers = []string{}
		}
		resp["peers"] = peers
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
