/*
Package uibackend serves the HTTP surface of the backend: a JSON API over the monitoring
entries, a websocket pushing device table updates, and the prometheus metrics.

	GET  /api/entries                      status of every entry
	GET  /api/entries/{id}/devices         committed device snapshot
	GET  /api/entries/{id}/devices/{dev}   one device record
	POST /api/entries/{id}/reconcile       on-demand reconciliation
	PUT  /api/entries/{id}/options         options applied at the next poll
	GET  /ws                               websocket
	GET  /metrics                          prometheus metrics
	GET  /healthz                          liveness check
*/
package uibackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"dhcp-activity-backend/pkg/config"
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/metrics"
	"dhcp-activity-backend/pkg/monitor"

	human_duration "github.com/davidbanham/human_duration/v3"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	websocketRelativeUrl = "/ws"

	// body of PUT/POST requests
	maxRequestBodySize = 1 << 20
)

type UIBackend struct {
	logger *logger.CustomLogger

	// The configuration for this backend
	config config.WebUIConfig

	// monitoring entries, in configuration order
	monitors   map[string]EntryMonitor
	monitorIDs []string

	// the actual HTTP server
	server   http.Server
	upgrader websocket.Upgrader

	// map of connected websockets
	clients     map[*websocket.Conn]bool
	clientsLock sync.Mutex

	// channel used to broadcast device set changes from backend->frontend
	broadcastCh chan WebSocketMessage
}

func NewUIBackend(cfg config.WebUIConfig, monitors []EntryMonitor, logger *logger.CustomLogger) *UIBackend {
	b := &UIBackend{
		logger:      logger,
		config:      cfg,
		monitors:    make(map[string]EntryMonitor, len(monitors)),
		clients:     make(map[*websocket.Conn]bool),
		broadcastCh: make(chan WebSocketMessage, 16),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		server: http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			ReadHeaderTimeout: 3 * time.Second,
		},
	}
	for _, m := range monitors {
		b.monitors[m.ID()] = m
		b.monitorIDs = append(b.monitorIDs, m.ID())
	}
	b.server.Handler = b.Handler()
	return b
}

// Handler returns the HTTP handler serving every endpoint.
func (b *UIBackend) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/entries", b.handleListEntries)
	mux.HandleFunc("GET /api/entries/{id}/devices", b.handleListDevices)
	mux.HandleFunc("GET /api/entries/{id}/devices/{device}", b.handleGetDevice)
	mux.HandleFunc("POST /api/entries/{id}/reconcile", b.handleReconcile)
	mux.HandleFunc("PUT /api/entries/{id}/options", b.handleUpdateOptions)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Serve Websocket requests
	mux.HandleFunc("GET "+websocketRelativeUrl, b.handleWebSocketConn)

	// Log requests (for debug only)
	return b.logRequestMiddleware(mux)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap is used by http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (b *UIBackend) logRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the websocket upgrade needs the original writer
		if isWebSocketPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()

		// this logging is quite verbose, enable only if explicitly asked so
		if b.config.LogActivity {
			b.logger.Infof("Method: %s, URL: %s, RemoteAddr: %s, Status: %d, Duration: %s",
				r.Method, r.URL.String(), r.RemoteAddr, rec.status, time.Since(start))
		}
	})
}

func (b *UIBackend) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.logger.Warnf("failed to write JSON response: %s", err.Error())
	}
}

func (b *UIBackend) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	b.writeJSON(w, status, ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

// lookupMonitor resolves the {id} path value; on failure the error response is written.
func (b *UIBackend) lookupMonitor(w http.ResponseWriter, r *http.Request) (EntryMonitor, bool) {
	id := r.PathValue("id")
	m, ok := b.monitors[id]
	if !ok {
		b.writeError(w, http.StatusNotFound, "unknown entry %q", id)
	}
	return m, ok
}

func (b *UIBackend) handleListEntries(w http.ResponseWriter, r *http.Request) {
	statuses := make([]monitor.Status, 0, len(b.monitorIDs))
	for _, id := range b.monitorIDs {
		statuses = append(statuses, b.monitors[id].Status())
	}
	b.writeJSON(w, http.StatusOK, statuses)
}

func (b *UIBackend) handleListDevices(w http.ResponseWriter, r *http.Request) {
	m, ok := b.lookupMonitor(w, r)
	if !ok {
		return
	}
	snap := m.Devices()
	b.writeJSON(w, http.StatusOK, DevicesResponse{
		Entry:   m.ID(),
		Cycle:   snap.Cycle(),
		TakenAt: snap.TakenAt(),
		Devices: snap.List(),
	})
}

func (b *UIBackend) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	m, ok := b.lookupMonitor(w, r)
	if !ok {
		return
	}
	id, err := identity.Parse(r.PathValue("device"))
	if err != nil {
		b.writeError(w, http.StatusBadRequest, "invalid device identity: %s", err.Error())
		return
	}
	rec, found := m.Devices().Get(id)
	if !found {
		b.writeError(w, http.StatusNotFound, "device %s is not tracked", id)
		return
	}
	b.writeJSON(w, http.StatusOK, rec)
}

func (b *UIBackend) handleReconcile(w http.ResponseWriter, r *http.Request) {
	m, ok := b.lookupMonitor(w, r)
	if !ok {
		return
	}

	var req ReconcileRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		b.writeError(w, http.StatusBadRequest, "invalid request body: %s", err.Error())
		return
	}

	plan, err := m.Reconcile(req.Registered)
	if err != nil {
		b.writeError(w, http.StatusInternalServerError, "reconciliation failed: %s", err.Error())
		return
	}
	b.logger.Infof("on-demand reconciliation of entry %s: %d entities removed, %d added",
		m.ID(), len(plan.RemoveEntities), len(plan.AddEntities))

	b.writeJSON(w, http.StatusOK, ReconcileResponse{
		Entry:          m.ID(),
		Cycle:          plan.Cycle,
		ToRemove:       nonNil(plan.ToRemove),
		ToKeep:         nonNil(plan.ToKeep),
		Ambiguous:      nonNil(plan.Ambiguous),
		RemoveEntities: nonNil(plan.RemoveEntities),
		AddEntities:    nonNil(plan.AddEntities),
	})
}

func (b *UIBackend) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	m, ok := b.lookupMonitor(w, r)
	if !ok {
		return
	}

	var raw config.RawEntryOptions
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		b.writeError(w, http.StatusBadRequest, "invalid request body: %s", err.Error())
		return
	}
	if raw.ID == "" {
		raw.ID = m.ID()
	}
	if raw.ID != m.ID() {
		b.writeError(w, http.StatusBadRequest, "the entry ID cannot be changed")
		return
	}

	opts, err := raw.Parse()
	if err != nil {
		b.writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	if err := m.UpdateOptions(opts); err != nil {
		b.writeError(w, http.StatusConflict, "%s", err.Error())
		return
	}

	b.logger.Infof("new options for entry %s will be applied at the next poll", m.ID())
	b.writeJSON(w, http.StatusAccepted, OptionsResponse{
		Entry:    m.ID(),
		Warnings: nonNil(opts.Warnings),
	})
}

func (b *UIBackend) generateWebSocketMessage() WebSocketMessage {
	msg := WebSocketMessage{Entries: make([]EntryView, 0, len(b.monitorIDs))}
	for _, id := range b.monitorIDs {
		m := b.monitors[id]
		msg.Entries = append(msg.Entries, EntryView{
			Status:  m.Status(),
			Devices: m.Devices().List(),
		})
	}
	return msg
}

// WebSocket connection handler
func (b *UIBackend) handleWebSocketConn(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warnf("Failed to upgrade websocket connection: %s", err)
		return
	}
	defer func() {
		_ = ws.Close()
	}()

	msg := b.generateWebSocketMessage()
	b.logger.Infof("Received new websocket client: pushing %d entries to it", len(msg.Entries))

	// register new client
	b.clientsLock.Lock()
	b.clients[ws] = true
	if err := ws.WriteJSON(msg); err != nil { // push the current status on the websocket
		b.logger.Warnf("failed to push initial data to the new websocket: %s", err.Error())
		// keep going, the client is dropped by the read loop below if the connection is broken
	}
	b.clientsLock.Unlock()

	// listen till the end of the websocket; clients are not expected to send anything
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warnf("failed to read from WebSocket: %v", err)
			}
			b.clientsLock.Lock()
			delete(b.clients, ws)
			b.clientsLock.Unlock()
			break
		}
	}
}

// forwardEvents pushes the device set changes of a monitor to the broadcastCh
func (b *UIBackend) forwardEvents(ctx context.Context, m EntryMonitor) {
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case b.broadcastCh <- WebSocketMessage{Event: &ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Broadcast updater: any update posted on the broadcastCh is broadcasted to all clients
func (b *UIBackend) broadcastUpdatesToClients(ctx context.Context) {
	ticker := time.NewTicker(b.config.RefreshInterval)
	defer ticker.Stop()

	for {
		var msg WebSocketMessage
		select {
		case <-ctx.Done():
			return

		case ev := <-b.broadcastCh:
			// a device set changed: push the event followed by the updated tables
			msg = b.generateWebSocketMessage()
			msg.Event = ev.Event

		case <-ticker.C:
			// let's refresh the websocket with whatever data we already have;
			// this is done for 2 reasons:
			// 1. trigger a refresh on the webpage (countdowns, "last seen" labels)
			// 2. keep the websocket TCP connection alive (otherwise it might be
			//    considered "stale" and get reset)
			msg = b.generateWebSocketMessage()
		}

		b.broadcast(msg)
	}
}

func (b *UIBackend) broadcast(msg WebSocketMessage) {
	b.clientsLock.Lock()
	defer b.clientsLock.Unlock()

	if len(b.clients) == 0 {
		return
	}

	numSuccess := 0
	for client := range b.clients {
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warnf("failed writing JSON to WebSocket: %v", err)
			_ = client.Close()
			delete(b.clients, client)
			continue
		}
		numSuccess++
	}

	if b.config.LogActivity {
		b.logger.Infof("Successfully pushed %d entries to %d websockets", len(msg.Entries), numSuccess)
	}
}

// ListenAndServe starts the web server and the websocket broadcaster, until ctx is cancelled.
func (b *UIBackend) ListenAndServe(ctx context.Context) error {
	for _, id := range b.monitorIDs {
		go b.forwardEvents(ctx, b.monitors[id])
	}

	// Read from the broadcastCh chan and push to all Websocket clients
	go b.broadcastUpdatesToClients(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.server.Shutdown(shutdownCtx)
	}()

	b.logger.Infof("Starting server to listen on port %d; websocket refresh interval=%s",
		b.config.Port, human_duration.ShortString(b.config.RefreshInterval, human_duration.Second))
	if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// isWebSocketPath reports whether p targets the websocket endpoint.
func isWebSocketPath(p string) bool {
	return strings.TrimSuffix(p, "/") == websocketRelativeUrl
}
