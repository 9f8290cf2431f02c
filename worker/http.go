package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/guseggert/offload/frame"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// HTTPServer exposes diagnostics for a Server, and the framed protocol over WebSocket at /ws.
type HTTPServer struct {
	log        *zap.SugaredLogger
	server     *Server
	httpServer *http.Server
}

func NewHTTPServer(s *Server) *HTTPServer {
	h := &HTTPServer{
		log:    s.log.Named("http"),
		server: s,
	}
	router := httprouter.New()
	router.GET("/healthz", h.healthz)
	router.GET("/workers", h.workers)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	router.GET("/ws", h.ws)
	h.httpServer = &http.Server{Handler: router}
	return h
}

func (h *HTTPServer) Handler() http.Handler {
	return h.httpServer.Handler
}

// Serve serves HTTP on ln until ctx is done or the worker server shuts down.
func (h *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-h.server.Done():
		}
		_ = h.httpServer.Close()
	}()
	h.log.Infow("diagnostics listening", "Addr", ln.Addr().String())
	err := h.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return h.Serve(ctx, ln)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *HTTPServer) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if h.server.isDone() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "workers": h.server.reg.Len()})
}

func (h *HTTPServer) workers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, h.server.reg.Names())
}

func (h *HTTPServer) ws(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.log.Debugf("WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(frame.DefaultMaxPayload + frame.HeaderSize)
	nc := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	if err := h.server.ServeConn(r.Context(), nc); err != nil {
		h.log.Debugf("WebSocket connection ended: %s", err)
	}
}
