package metrics

// Broker bundles the daemon's standard metric set.
type Broker struct {
	Registry *Registry

	GrantsIssued    *Counter
	GrantsDenied    *Counter
	GrantsRevoked   *Counter
	GrantsExpired   *Counter
	RateLimited     *Counter
	StoreWriteError *Counter
	ProcessesTotal  *Counter

	PendingDialogs *Gauge
	ActiveSessions *Gauge
	LiveProcesses  *Gauge
}

// NewBroker registers the daemon's metric set.
func NewBroker() *Broker {
	r := &Registry{}
	return &Broker{
		Registry:        r,
		GrantsIssued:    r.NewCounter("shizukud_grants_issued_total", "Permission grants created by user consent"),
		GrantsDenied:    r.NewCounter("shizukud_grants_denied_total", "Consent dialogs resolved as deny"),
		GrantsRevoked:   r.NewCounter("shizukud_grants_revoked_total", "Grant revocations from any path"),
		GrantsExpired:   r.NewCounter("shizukud_grants_expired_total", "Grants lapsed past their expiry"),
		RateLimited:     r.NewCounter("shizukud_requests_rate_limited_total", "Permission requests rejected by the pending cap"),
		StoreWriteError: r.NewCounter("shizukud_store_write_errors_total", "State file writes that failed"),
		ProcessesTotal:  r.NewCounter("shizukud_processes_spawned_total", "Supervised subprocesses spawned"),
		PendingDialogs:  r.NewGauge("shizukud_pending_dialogs", "Consent dialogs currently unresolved"),
		ActiveSessions:  r.NewGauge("shizukud_active_sessions", "Live session tokens"),
		LiveProcesses:   r.NewGauge("shizukud_live_processes", "Supervised subprocesses currently running"),
	}
}
