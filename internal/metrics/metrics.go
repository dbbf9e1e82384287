package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued counts attendance tokens rendered, by expiration policy.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_tokens_issued_total",
		Help: "Attendance tokens issued, labelled by expiration policy.",
	}, []string{"policy"})

	// ScansRecorded counts accepted scans by geofence verdict.
	ScansRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_scans_recorded_total",
		Help: "Attendance scans recorded, labelled by geofence verdict.",
	}, []string{"verdict"})

	// ScansRejected counts refused scans by reason.
	ScansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_scans_rejected_total",
		Help: "Attendance scans rejected, labelled by reason.",
	}, []string{"reason"})

	// SessionStops counts explicit stop-attendance transitions.
	SessionStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusattend_session_stops_total",
		Help: "Explicit stop-attendance transitions.",
	})
)

// Verdict labels for ScansRecorded.
const (
	VerdictWithin     = "within_radius"
	VerdictOutside    = "outside_radius"
	VerdictUnverified = "unverified"
)
