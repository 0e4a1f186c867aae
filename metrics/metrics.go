package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bountyboard-backend/core/bounty"
)

var (
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyboard",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by op and result.",
	}, []string{"op", "result"})

	EscrowLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyboard",
		Subsystem: "ledger",
		Name:      "escrow_locked",
		Help:      "Value currently held in escrow, in base units.",
	})

	EventHead = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyboard",
		Subsystem: "events",
		Name:      "head_position",
		Help:      "Position of the newest ledger event.",
	})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyboard",
		Subsystem: "gateway",
		Name:      "submissions_total",
		Help:      "Submission attempts by result.",
	}, []string{"result"})

	ReconcilerApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyboard",
		Subsystem: "reconciler",
		Name:      "applied_events_total",
		Help:      "Ledger events applied to the metadata store.",
	}, []string{"kind"})

	ReconcilerCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyboard",
		Subsystem: "reconciler",
		Name:      "cursor_position",
		Help:      "Next event position the reconciler will apply.",
	})

	AgentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyboard",
		Subsystem: "agent",
		Name:      "events_total",
		Help:      "Events processed by the discovery agent.",
	}, []string{"kind", "outcome"})

	AgentPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyboard",
		Subsystem: "agent",
		Name:      "pending_fetches",
		Help:      "Bounties waiting for a metadata fetch retry.",
	})
)

// Result maps an error onto a short, bounded label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, bounty.ErrNotOpen):
		return "not_open"
	case errors.Is(err, bounty.ErrNotFound):
		return "not_found"
	case errors.Is(err, bounty.ErrNotCreator):
		return "forbidden"
	case errors.Is(err, bounty.ErrInsufficientFunds), errors.Is(err, bounty.ErrInsufficientAuthorization):
		return "insufficient"
	case errors.Is(err, bounty.ErrRateLimited):
		return "rate_limited"
	case bounty.IsRejection(err):
		return "rejected"
	default:
		return "error"
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
