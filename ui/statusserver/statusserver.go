// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statusserver serves the status of a running Trainer over HTTP.
//
// Routes:
//
//   - GET /status: JSON snapshot of the training status;
//   - GET /ws: websocket that receives a JSON status after every broadcast (see Attach);
//   - GET /: redirects to /status.
package statusserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WriteTimeout for each message sent to a websocket client. Slow clients are dropped.
var WriteTimeout = 5 * time.Second

// QueueStatus is the state of the batching queue.
type QueueStatus struct {
	Mode                    string
	Size, Capacity, MinFill int
	Produced, Released      int64
	RunningWorkers, Workers int
}

// Status is a snapshot of the training.
type Status struct {
	RunID  string
	Model  string
	Phase  string
	Step   int
	Start  int
	End    int
	Loss   float64 `json:",omitempty"`
	LR     float64 `json:"LearningRate,omitempty"`
	Speed  float64 `json:"ExamplesPerSec,omitempty"`
	Median string  `json:"MedianStepDuration,omitempty"`

	LastCheckpoint string       `json:",omitempty"`
	Queue          *QueueStatus `json:",omitempty"`
}

// Server serves the status of a trainer.
type Server struct {
	trainer    *train.Trainer
	queueStats func() batching.Stats
	router     *mux.Router
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	clients    map[*websocket.Conn]struct{}
	httpServer *http.Server
}

// New creates a Server for trainer. Call Start to listen on an address, or use Handler to mount it elsewhere.
func New(trainer *train.Trainer) *Server {
	s := &Server{
		trainer: trainer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/status", http.StatusFound))
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket)
	s.router = r
	return s
}

// WithQueueStats adds the stats of the batching queue to the status.
func (s *Server) WithQueueStats(fn func() batching.Stats) *Server {
	s.queueStats = fn
	return s
}

// Handler returns the HTTP handler with all the routes.
func (s *Server) Handler() http.Handler { return s.router }

// Status returns the current status.
func (s *Server) Status() Status {
	tc := s.trainer.Context()
	status := Status{
		RunID:          tc.RunID,
		Model:          tc.Model.Name(),
		Phase:          s.trainer.Phase().String(),
		Start:          s.trainer.StartStep(),
		End:            s.trainer.EndStep(),
		LastCheckpoint: s.trainer.LastCheckpoint(),
	}
	if stats, ok := s.trainer.LastStats(); ok {
		status.Step = stats.Step + 1
		status.Loss = stats.Loss
		status.LR = stats.LearningRate
		status.Speed = stats.ExamplesPerSec
		status.Median = s.trainer.MedianStepDuration().String()
	}
	if s.queueStats != nil {
		qs := s.queueStats()
		status.Queue = &QueueStatus{
			Mode: qs.Mode.String(), Size: qs.Size, Capacity: qs.Capacity, MinFill: qs.MinFill,
			Produced: qs.Produced, Released: qs.Released, RunningWorkers: qs.RunningWorkers, Workers: qs.Workers,
		}
	}
	return status
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		klog.Warningf("statusserver: failed to write status: %v", err)
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		klog.Warningf("statusserver: websocket upgrade failed: %v", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	err = s.lockedSend(conn, s.Status())
	s.mu.Unlock()
	if err != nil {
		return
	}
	// Reads are only used to detect the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				s.lockedDrop(conn)
				s.mu.Unlock()
				return
			}
		}
	}()
}

// lockedSend writes status to conn, dropping the client on failure. It must be called with s.mu held.
func (s *Server) lockedSend(conn *websocket.Conn, status Status) error {
	_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	err := conn.WriteJSON(status)
	if err != nil {
		klog.V(1).Infof("statusserver: dropping websocket client %s: %v", conn.RemoteAddr(), err)
		s.lockedDrop(conn)
	}
	return err
}

func (s *Server) lockedDrop(conn *websocket.Conn) {
	if _, found := s.clients[conn]; found {
		delete(s.clients, conn)
		_ = conn.Close()
	}
}

// NumClients returns the number of websocket clients connected.
func (s *Server) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast sends the current status to all websocket clients.
func (s *Server) Broadcast() {
	status := s.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		_ = s.lockedSend(conn, status)
	}
}

// Start listening on addr (e.g. ":8080") and serving in the background. It returns the address
// actually listened to, useful if addr has port 0.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrapf(err, "statusserver: failed to listen on %q", addr)
	}
	s.mu.Lock()
	s.httpServer = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	server := s.httpServer
	s.mu.Unlock()
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("statusserver: %v", err)
		}
	}()
	klog.Infof("Training status served at http://%s/status", listener.Addr())
	return listener.Addr().String(), nil
}

// Close disconnects the websocket clients and stops the HTTP server, if started.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "training finished"), time.Now().Add(time.Second))
		s.lockedDrop(conn)
	}
	server := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return errors.Wrap(server.Shutdown(ctx), "statusserver: shutdown")
}

// Attach broadcasts the status to the websocket clients every n steps and at the end of training.
func Attach(trainer *train.Trainer, s *Server, n int) {
	const name = "statusserver"
	broadcast := func(*train.Trainer, train.StepStats) error {
		s.Broadcast()
		return nil
	}
	train.EveryNSteps(trainer, n, name, 10, broadcast)
	trainer.OnEnd(name, 10, broadcast)
}
