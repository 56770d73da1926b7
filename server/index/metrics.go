package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reexpansionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caldora_index_reexpansions_total",
		Help: "Resources re-expanded because a query reached past their indexed horizon.",
	})
	stalePurgesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caldora_index_stale_purges_total",
		Help: "Index rows removed because their backing object no longer exists.",
	})
	reservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caldora_index_reservation_conflicts_total",
		Help: "UID reservations refused because the UID was already reserved.",
	})
)
