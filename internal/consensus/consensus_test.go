package consensus

import (
	"reflect"
	"testing"
	"time"

	"poiledger/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func report(seq int64, author string, at time.Time, status domain.Status) domain.Update {
	return domain.Update{
		ID:             "u" + string(rune('a'+seq)),
		Seq:            seq,
		Type:           domain.UpdateReport,
		AuthorID:       author,
		Timestamp:      at,
		ReportedStatus: status,
	}
}

func TestLaterReportSupersedesRegardlessOfSubmissionOrder(t *testing.T) {
	a := report(1, "actor-a", t0, domain.StatusAvailable)
	a.AvailableFuels = []string{"gasoline"}
	b := report(2, "actor-b", t0.Add(time.Hour), domain.StatusUnavailable)

	got := Resolve(domain.KindFuelStation, []domain.Update{a, b}, Options{})
	if got.Status != domain.StatusUnavailable {
		t.Fatalf("expected unavailable, got %s", got.Status)
	}
	if len(got.AvailableFuels) != 0 {
		t.Fatalf("unavailable station should report no fuels, got %v", got.AvailableFuels)
	}

	// B submitted first, A arrives later with the older timestamp.
	b.Seq, a.Seq = 1, 2
	got = Resolve(domain.KindFuelStation, []domain.Update{b, a}, Options{})
	if got.Status != domain.StatusUnavailable {
		t.Fatalf("older report must not win, got %s", got.Status)
	}
}

func TestSameTimestampTieBrokenByInsertion(t *testing.T) {
	a := report(1, "a", t0, domain.StatusAvailable)
	b := report(2, "b", t0, domain.StatusUnavailable)
	if got := Resolve(domain.KindATM, []domain.Update{b, a}, Options{}); got.Status != domain.StatusUnavailable {
		t.Fatalf("expected later insertion to win, got %s", got.Status)
	}
}

func TestUnionWithinWindowAfterLastUnavailable(t *testing.T) {
	old := report(1, "a", t0, domain.StatusAvailable)
	old.AvailableDenominations = []string{"50"}
	outage := report(2, "b", t0.Add(time.Hour), domain.StatusUnavailable)
	r1 := report(3, "c", t0.Add(2*time.Hour), domain.StatusAvailable)
	r1.AvailableDenominations = []string{"20", "10"}
	r1.QueueTime = domain.Queue15To30
	r2 := report(4, "d", t0.Add(3*time.Hour), domain.StatusAvailable)
	r2.AvailableDenominations = []string{"20", "100"}
	r2.QueueTime = domain.QueueLT15

	got := Resolve(domain.KindATM, []domain.Update{old, outage, r1, r2}, Options{})
	want := []string{"10", "100", "20"}
	if !reflect.DeepEqual(got.AvailableDenominations, want) {
		t.Fatalf("denominations = %v, want %v", got.AvailableDenominations, want)
	}
	if got.QueueTime != domain.QueueLT15 {
		t.Fatalf("queue time = %s, want most recent bucket", got.QueueTime)
	}
	if got.ReportCount != 4 || got.DistinctReporters != 4 {
		t.Fatalf("unexpected counts %+v", got)
	}
}

func TestWindowExcludesStaleReports(t *testing.T) {
	stale := report(1, "a", t0, domain.StatusAvailable)
	stale.AvailableFuels = []string{"diesel"}
	fresh := report(2, "b", t0.Add(48*time.Hour), domain.StatusAvailable)
	fresh.AvailableFuels = []string{"gasoline"}
	got := Resolve(domain.KindFuelStation, []domain.Update{stale, fresh}, Options{Window: 24 * time.Hour})
	if !reflect.DeepEqual(got.AvailableFuels, []string{"gasoline"}) {
		t.Fatalf("fuels = %v", got.AvailableFuels)
	}
}

func TestResolveIsPureAndIgnoresOlderAppends(t *testing.T) {
	ledger := []domain.Update{
		report(1, "a", t0, domain.StatusAvailable),
		report(2, "b", t0.Add(time.Minute), domain.StatusUnavailable),
		{ID: "note", Seq: 3, Type: domain.UpdateReport, AuthorID: "c", Timestamp: t0.Add(2 * time.Minute), Note: "queue is long"},
	}
	first := Resolve(domain.KindATM, ledger, Options{})
	second := Resolve(domain.KindATM, ledger, Options{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolver is not deterministic: %+v vs %+v", first, second)
	}
	older := report(4, "d", t0.Add(-time.Hour), domain.StatusAvailable)
	after := Resolve(domain.KindATM, append(ledger, older), Options{})
	if after.Status != first.Status {
		t.Fatalf("older append changed status %s -> %s", first.Status, after.Status)
	}
}

func TestNoReports(t *testing.T) {
	got := Resolve(domain.KindFuelStation, nil, Options{})
	if got.Reported || got.Status != "" {
		t.Fatalf("expected unresolved state, got %+v", got)
	}
	if got.Priority != domain.PriorityLow {
		t.Fatalf("priority = %s", got.Priority)
	}
}

func TestPriorityFromDistinctReporters(t *testing.T) {
	var ledger []domain.Update
	for i, author := range []string{"a", "b", "a", "c", "d", "e"} {
		ledger = append(ledger, domain.Update{Seq: int64(i), Type: domain.UpdateReport, AuthorID: author, Timestamp: t0})
	}
	if got := Resolve(domain.KindIncident, ledger[:3], Options{}); got.Priority != domain.PriorityMedium {
		t.Fatalf("two reporters should be medium, got %s", got.Priority)
	}
	if got := Resolve(domain.KindIncident, ledger, Options{}); got.Priority != domain.PriorityHigh {
		t.Fatalf("five reporters should be high, got %s", got.Priority)
	}
}
