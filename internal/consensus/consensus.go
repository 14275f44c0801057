package consensus

import (
	"sort"
	"time"

	"poiledger/internal/domain"
)

const DefaultWindow = 24 * time.Hour

// Options tunes summarisation. Zero values fall back to defaults.
type Options struct {
	Window          time.Duration
	HighReporters   int
	MediumReporters int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.HighReporters <= 0 {
		o.HighReporters = 5
	}
	if o.MediumReporters <= 0 {
		o.MediumReporters = 2
	}
	return o
}

// Derived is the read-only state computed from a ledger.
type Derived struct {
	Status                 domain.Status    `json:"status,omitempty"`
	Reported               bool             `json:"reported"`
	AvailableDenominations []string         `json:"available_denominations"`
	AvailableFuels         []string         `json:"available_fuels"`
	QueueTime              domain.QueueTime `json:"queue_time,omitempty"`
	LastReportedAt         *time.Time       `json:"last_reported_at,omitempty"`
	ReportCount            int              `json:"report_count"`
	DistinctReporters      int              `json:"distinct_reporters"`
	Priority               domain.Priority  `json:"priority"`
}

// Resolve derives the current observable state of a POI from its ledger.
// The most recent report by (timestamp, seq) decides the status. Lists are the
// union of reports inside the trailing window that follow the latest
// unavailable report. The result depends only on the ledger contents.
func Resolve(kind domain.Kind, updates []domain.Update, opts Options) Derived {
	opts = opts.withDefaults()
	ordered := make([]domain.Update, len(updates))
	copy(ordered, updates)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[j].Before(ordered[i]) })

	out := Derived{
		AvailableDenominations: []string{},
		AvailableFuels:         []string{},
	}
	reporters := map[string]struct{}{}
	var reports []domain.Update
	for _, u := range ordered {
		if u.Type != domain.UpdateCreated && u.Type != domain.UpdateReport {
			continue
		}
		if u.AuthorID != "" {
			reporters[u.AuthorID] = struct{}{}
		}
		if u.ReportedStatus != "" {
			reports = append(reports, u)
		}
	}
	out.DistinctReporters = len(reporters)
	out.ReportCount = len(reports)
	out.Priority = PriorityFor(out.DistinctReporters, opts)
	if len(reports) == 0 {
		return out
	}

	latest := reports[0]
	out.Status = latest.ReportedStatus
	out.Reported = true
	ts := latest.Timestamp
	out.LastReportedAt = &ts
	if kind.Observable() && latest.ReportedStatus == domain.StatusUnavailable {
		return out
	}

	cutoff := latest.Timestamp.Add(-opts.Window)
	denoms := map[string]struct{}{}
	fuels := map[string]struct{}{}
	for _, u := range reports {
		if u.Timestamp.Before(cutoff) {
			break
		}
		if u.ReportedStatus == domain.StatusUnavailable {
			break
		}
		for _, d := range u.AvailableDenominations {
			denoms[d] = struct{}{}
		}
		for _, f := range u.AvailableFuels {
			fuels[f] = struct{}{}
		}
		if out.QueueTime == "" && u.QueueTime != "" {
			out.QueueTime = u.QueueTime
		}
	}
	out.AvailableDenominations = sortedKeys(denoms)
	out.AvailableFuels = sortedKeys(fuels)
	return out
}

// PriorityFor maps a distinct reporter count to a priority.
func PriorityFor(reporters int, opts Options) domain.Priority {
	opts = opts.withDefaults()
	switch {
	case reporters >= opts.HighReporters:
		return domain.PriorityHigh
	case reporters >= opts.MediumReporters:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
