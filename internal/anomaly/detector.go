package anomaly

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fundroom/fundroom/internal/config"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert types produced by the detector.
const (
	AlertMultipleIPs         = "MULTIPLE_IPS"
	AlertSuspiciousUserAgent = "SUSPICIOUS_USER_AGENT"
	AlertExcessiveRequests   = "EXCESSIVE_REQUESTS"
	AlertUnusualTime         = "UNUSUAL_TIME"
	AlertRapidLocationChange = "RAPID_LOCATION_CHANGE"
)

type Alert struct {
	Type     string
	Severity Severity
	UserID   uuid.UUID
	Detail   map[string]any
}

// Access is one authenticated request observation.
type Access struct {
	UserID    uuid.UUID
	IP        string
	UserAgent string
	Geo       string // coarse geography, e.g. country code; empty if unresolvable
	At        time.Time
}

// Pattern is the rolling per-user behavioral state. Ephemeral, TTL-bounded.
type Pattern struct {
	IPs         map[string]struct{}
	UserAgents  map[string]struct{}
	Geos        map[string]struct{}
	BurstStart  time.Time
	BurstCount  int
	BurstIP     string
	LastAccess  time.Time
	AccessCount int
}

// PatternStore hands out the pattern for a user with exclusive access for the
// duration of fn. Keeps the grading policy independent of the storage.
type PatternStore interface {
	Update(ctx context.Context, userID uuid.UUID, fn func(p *Pattern)) error
}

// Detector grades each access against the configured thresholds and decides
// whether the caller must be blocked outright.
type Detector struct {
	store PatternStore
	cfg   config.AnomalyConfig
}

func NewDetector(store PatternStore, cfg config.AnomalyConfig) *Detector {
	return &Detector{store: store, cfg: cfg}
}

// Observe records the access and returns any alerts it raised. blocked is true
// when the access must be denied: any CRITICAL alert, or two or more HIGH
// alerts raised by this single observation.
func (d *Detector) Observe(ctx context.Context, a Access) ([]Alert, bool, error) {
	var alerts []Alert

	err := d.store.Update(ctx, a.UserID, func(p *Pattern) {
		if p.IPs == nil {
			p.IPs = make(map[string]struct{})
			p.UserAgents = make(map[string]struct{})
			p.Geos = make(map[string]struct{})
		}

		if a.IP != "" {
			p.IPs[a.IP] = struct{}{}
		}
		if a.UserAgent != "" {
			p.UserAgents[a.UserAgent] = struct{}{}
		}
		if a.Geo != "" {
			p.Geos[a.Geo] = struct{}{}
		}

		// Burst tracking is per (user, IP): a new IP or an elapsed window
		// starts a fresh burst.
		if p.BurstIP != a.IP || a.At.Sub(p.BurstStart) > d.cfg.BurstWindow {
			p.BurstIP = a.IP
			p.BurstStart = a.At
			p.BurstCount = 0
		}
		p.BurstCount++

		p.LastAccess = a.At
		p.AccessCount++

		alerts = d.grade(p, a)
	})
	if err != nil {
		return nil, false, err
	}

	return alerts, shouldBlock(alerts), nil
}

func (d *Detector) grade(p *Pattern, a Access) []Alert {
	var alerts []Alert

	if n := len(p.IPs); n > d.cfg.MaxIPs {
		sev := SeverityHigh
		if n > d.cfg.CriticalIPs {
			sev = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Type: AlertMultipleIPs, Severity: sev, UserID: a.UserID,
			Detail: map[string]any{"distinct_ips": n},
		})
	}

	if n := len(p.UserAgents); n > d.cfg.MaxUserAgents {
		alerts = append(alerts, Alert{
			Type: AlertSuspiciousUserAgent, Severity: SeverityMedium, UserID: a.UserID,
			Detail: map[string]any{"distinct_user_agents": n},
		})
	}

	if p.BurstCount > d.cfg.BurstMax {
		sev := SeverityHigh
		if p.BurstCount > d.cfg.BurstCritical {
			sev = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Type: AlertExcessiveRequests, Severity: sev, UserID: a.UserID,
			Detail: map[string]any{"count": p.BurstCount, "ip": a.IP, "window": d.cfg.BurstWindow.String()},
		})
	}

	if d.unusualHour(a.At) {
		alerts = append(alerts, Alert{
			Type: AlertUnusualTime, Severity: SeverityLow, UserID: a.UserID,
			Detail: map[string]any{"hour": a.At.Hour()},
		})
	}

	if n := len(p.Geos); n > 2 {
		alerts = append(alerts, Alert{
			Type: AlertRapidLocationChange, Severity: SeverityHigh, UserID: a.UserID,
			Detail: map[string]any{"distinct_geos": n},
		})
	}

	return alerts
}

// unusualHour checks the configured range, which may wrap midnight
// (e.g. start=22, end=5).
func (d *Detector) unusualHour(t time.Time) bool {
	h := t.Hour()
	start, end := d.cfg.UnusualStartHour, d.cfg.UnusualEndHour
	if start <= end {
		return h >= start && h <= end
	}
	return h >= start || h <= end
}

func shouldBlock(alerts []Alert) bool {
	highs := 0
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			return true
		case SeverityHigh:
			highs++
		}
	}
	return highs >= 2
}
