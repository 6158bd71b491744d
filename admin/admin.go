// Package admin exposes read-only JSON endpoints for inspecting routing and connection state.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ack-rpc/client"
	"ack-rpc/logger"
	"ack-rpc/server"

	"github.com/gorilla/mux"
)

// Router is the part of client.Router the admin API reads.
type Router interface {
	Services() []string
	ListAddresses(service string) []string
	GroupByAddress(service string, keys []string) map[string][]string
	Stats(service string) ([]client.ConnectionStats, error)
}

// AdminHandler serves the admin API.
type AdminHandler struct {
	router    Router
	listeners []*server.Listener
	pool      *server.WorkerPool
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler. listeners and pool may be empty when the process
// only sends.
func NewAdminHandler(router Router, listeners []*server.Listener, pool *server.WorkerPool, log *logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.Default()
	}
	return &AdminHandler{
		router:    router,
		listeners: listeners,
		pool:      pool,
		logger:    log.Component("admin_api"),
		startTime: time.Now(),
	}
}

type AddressesResponse struct {
	Service   string   `json:"service"`
	Addresses []string `json:"addresses"`
}

type RouteResponse struct {
	Service string `json:"service"`
	Key     string `json:"key"`
	Address string `json:"address"`
}

type StatsResponse struct {
	Service     string                   `json:"service"`
	Connections []client.ConnectionStats `json:"connections"`
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Services  []string               `json:"services"`
	Listeners []server.ListenerStats `json:"listeners,omitempty"`
	Workers   *server.PoolStats      `json:"workers,omitempty"`
	Uptime    string                 `json:"uptime"`
	Timestamp time.Time              `json:"timestamp"`
}

type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterRoutes attaches the admin endpoints to r.
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/services", h.ListServicesHandler).Methods(http.MethodGet)
	r.HandleFunc("/services/{service}/addresses", h.AddressesHandler).Methods(http.MethodGet)
	r.HandleFunc("/services/{service}/route", h.RouteHandler).Methods(http.MethodGet)
	r.HandleFunc("/services/{service}/stats", h.StatsHandler).Methods(http.MethodGet)
}

// NewServer returns an http.Server serving the admin API on addr.
func (h *AdminHandler) NewServer(addr string) *http.Server {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// HealthHandler handles GET /health
func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Services:  h.router.Services(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	for _, l := range h.listeners {
		response.Listeners = append(response.Listeners, l.Stats())
	}
	if h.pool != nil {
		st := h.pool.Stats()
		response.Workers = &st
	}
	h.writeJSON(w, http.StatusOK, response)
}

// ListServicesHandler handles GET /services
func (h *AdminHandler) ListServicesHandler(w http.ResponseWriter, r *http.Request) {
	services := h.router.Services()
	if services == nil {
		services = []string{}
	}
	h.writeJSON(w, http.StatusOK, services)
}

// AddressesHandler handles GET /services/{service}/addresses
func (h *AdminHandler) AddressesHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	addresses := h.router.ListAddresses(service)
	if addresses == nil {
		h.writeErrorResponse(w, "unknown service "+service, http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, AddressesResponse{Service: service, Addresses: addresses})
}

// RouteHandler handles GET /services/{service}/route?key=K. It reports the owning address without
// touching any connection.
func (h *AdminHandler) RouteHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeErrorResponse(w, "query parameter key is required", http.StatusBadRequest)
		return
	}
	if h.router.ListAddresses(service) == nil {
		h.writeErrorResponse(w, "unknown service "+service, http.StatusNotFound)
		return
	}

	for address := range h.router.GroupByAddress(service, []string{key}) {
		h.writeJSON(w, http.StatusOK, RouteResponse{Service: service, Key: key, Address: address})
		return
	}
	h.writeErrorResponse(w, "service "+service+" has no addresses", http.StatusServiceUnavailable)
}

// StatsHandler handles GET /services/{service}/stats
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	stats, err := h.router.Stats(service)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, client.ErrUnknownService) {
			code = http.StatusNotFound
		}
		h.writeErrorResponse(w, err.Error(), code)
		return
	}
	h.writeJSON(w, http.StatusOK, StatsResponse{Service: service, Connections: stats})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("failed to encode response")
	}
}

func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now(),
	})

	h.logger.WithFields(map[string]interface{}{
		"error": message,
		"code":  code,
	}).Warn("API error response")
}
