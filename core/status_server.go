package core

// HTTP status surface: a small JSON endpoint for operational state plus the
// Prometheus metrics endpoint.

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusServer exposes /status and /metrics for the node.
type StatusServer struct {
	node *Node
	srv  *http.Server
}

type statusPayload struct {
	NumPeers  int      `json:"num_peers"`
	MaxPeers  int      `json:"max_peers"`
	GoodPeers []string `json:"good_peers"`
	Shutdown  bool     `json:"shutting_down"`
}

// NewStatusServer builds the server for the given listen address.
func NewStatusServer(n *Node, addr string) *StatusServer {
	s := &StatusServer{node: n}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(n.metrics.registry, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background until Stop is called.
func (s *StatusServer) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.node.log.Warnf("status server: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *StatusServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := statusPayload{
		NumPeers:  s.node.reg.NumPeers(),
		MaxPeers:  s.node.reg.maxPeers,
		GoodPeers: s.node.reg.GoodPeers(),
		Shutdown:  s.node.IsShuttingDown(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
