// Package server wires the HTTP handlers into a router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns the application router.
func SetupRoutes(svc *Service) *mux.Router {
	h := NewHandlers(svc)

	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", StatusHandler).Methods(http.MethodHead)
	r.HandleFunc("/messages", h.ListMessages).Methods(http.MethodGet)
	r.HandleFunc("/message", h.CreateMessage).Methods(http.MethodPost)
	r.HandleFunc("/message/{index}", h.UpdateMessage).Methods(http.MethodPut)
	r.HandleFunc("/message/{index}", h.DeleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/ws", h.WebSocket).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}
