package internaldefs

import (
	"github.com/propono/authgate"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine histogram to its exported name.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authgate.MetricLoginSuccess, Name: "authgate_login_success_total", Help: "Successful logins."},
	{ID: authgate.MetricLoginFailure, Name: "authgate_login_failure_total", Help: "Failed logins."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Refresh tokens rotated."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Refresh attempts that did not rotate."},
	{ID: authgate.MetricRefreshReuseDetected, Name: "authgate_refresh_reuse_detected_total", Help: "Refresh token reuse detections."},
	{ID: authgate.MetricRefreshRaceLost, Name: "authgate_refresh_race_lost_total", Help: "Rotations that lost the compare-and-swap to a concurrent refresh."},
	{ID: authgate.MetricRefreshExpired, Name: "authgate_refresh_expired_total", Help: "Refresh attempts with an expired token or session."},
	{ID: authgate.MetricRefreshSessionNotFound, Name: "authgate_refresh_session_not_found_total", Help: "Refresh tokens matching no stored session."},
	{ID: authgate.MetricRefreshUpstreamFailure, Name: "authgate_refresh_upstream_failure_total", Help: "Refreshes rejected or failed by the identity provider."},
	{ID: authgate.MetricRefreshIntegrationError, Name: "authgate_refresh_integration_error_total", Help: "Identity provider responses violating the token contract."},
	{ID: authgate.MetricRefreshStoreFailure, Name: "authgate_refresh_store_failure_total", Help: "Refreshes aborted by a session store error."},
	{ID: authgate.MetricSessionCreated, Name: "authgate_session_created_total", Help: "Sessions created by login."},
	{ID: authgate.MetricSessionRevoked, Name: "authgate_session_revoked_total", Help: "Sessions revoked."},
	{ID: authgate.MetricSessionMassRevoked, Name: "authgate_session_mass_revoked_total", Help: "Reuse responses that revoked every session of a user."},
	{ID: authgate.MetricSessionSwept, Name: "authgate_session_swept_total", Help: "Sessions revoked by the expiry sweep."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Single-session logouts."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Logout-all operations."},
	{ID: authgate.MetricGateAllowed, Name: "authgate_gate_allowed_total", Help: "Requests admitted by the gate."},
	{ID: authgate.MetricGateUnauthorized, Name: "authgate_gate_unauthorized_total", Help: "Requests rejected for a missing or invalid access token."},
	{ID: authgate.MetricGateOriginRejected, Name: "authgate_gate_origin_rejected_total", Help: "Requests rejected by origin or fetch-metadata checks."},
	{ID: authgate.MetricGateCSRFRejected, Name: "authgate_gate_csrf_rejected_total", Help: "Requests rejected by the CSRF check."},
}

var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricRefreshLatency, Name: "authgate_refresh_latency_seconds", Help: "Refresh latency."},
}

const (
	AuditDroppedName = "authgate_audit_dropped_total"
	AuditDroppedHelp = "Audit events dropped because the dispatcher buffer was full."
)

// BucketCount matches the engine histogram: seven finite bounds plus +Inf.
const BucketCount = authgate.HistogramBucketCount

// HistogramUpperBounds are the finite bucket bounds in seconds.
var HistogramUpperBounds = [BucketCount - 1]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

var HistogramBoundSuffix = [BucketCount]string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to BucketCount entries.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
