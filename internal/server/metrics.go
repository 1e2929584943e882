package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_created_total",
		Help: "Messages appended to the store.",
	})
	messagesEdited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_edited_total",
		Help: "Successful message edits.",
	})
	messagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_deleted_total",
		Help: "Successful message soft-deletes.",
	})
	mutationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_mutation_failures_total",
		Help: "Rejected store mutations by operation and reason.",
	}, []string{"op", "reason"})
	broadcastEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_broadcast_events_total",
		Help: "Events fanned out to connected clients.",
	})
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connected_clients",
		Help: "Currently connected push-channel clients.",
	})
)

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMessageDeleted):
		return "deleted"
	default:
		return "other"
	}
}
