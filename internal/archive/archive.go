// Package archive exports POI ledgers as a zstd-compressed CBOR stream and
// replays them to detect drift between stored and recomputed state.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"poiledger/internal/consensus"
	"poiledger/internal/domain"
	"poiledger/internal/engine"
	"poiledger/internal/ledger"
	"poiledger/internal/repo"
	"poiledger/internal/workflow"
)

const (
	formatName    = "poiledger-archive"
	formatVersion = 1
	pageSize      = 200
)

// Header opens every archive stream.
type Header struct {
	Format          string    `cbor:"format"`
	Version         int       `cbor:"version"`
	Registry        string    `cbor:"registry"`
	ExportedAt      time.Time `cbor:"exported_at"`
	WindowSeconds   int64     `cbor:"window_seconds"`
	HighReporters   int       `cbor:"high_reporters"`
	MediumReporters int       `cbor:"medium_reporters"`
}

// ConsensusOptions returns the resolver settings the archive was written with.
func (h Header) ConsensusOptions() consensus.Options {
	return consensus.Options{
		Window:          time.Duration(h.WindowSeconds) * time.Second,
		HighReporters:   h.HighReporters,
		MediumReporters: h.MediumReporters,
	}
}

// Record is one POI with its full ledger and the derived state at export.
type Record struct {
	ID             string                `cbor:"id"`
	Kind           domain.Kind           `cbor:"kind"`
	Position       domain.Position       `cbor:"position"`
	Polygon        []domain.Position     `cbor:"polygon,omitempty"`
	Polyline       []domain.Position     `cbor:"polyline,omitempty"`
	Status         domain.Status         `cbor:"status"`
	Priority       domain.Priority       `cbor:"priority,omitempty"`
	PriorityManual bool                  `cbor:"priority_manual,omitempty"`
	Version        int64                 `cbor:"version"`
	Details        []byte                `cbor:"details"`
	AuthorID       string                `cbor:"author_id"`
	CreatedAt      string                `cbor:"created_at"`
	UpdatedAt      string                `cbor:"updated_at"`
	Updates        []domain.Update       `cbor:"updates"`
	Steps          []domain.WorkflowStep `cbor:"steps,omitempty"`
	Derived        consensus.Derived     `cbor:"derived"`
}

func recordOf(p domain.POI, derived consensus.Derived) (Record, error) {
	details, err := domain.EncodeDetails(p.Kind, p.Details)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:             p.ID,
		Kind:           p.Kind,
		Position:       p.Position,
		Polygon:        p.Polygon,
		Polyline:       p.Polyline,
		Status:         p.Status,
		Priority:       p.Priority,
		PriorityManual: p.PriorityManual,
		Version:        p.Version,
		Details:        details,
		AuthorID:       p.AuthorID,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		Updates:        p.Updates,
		Steps:          p.WorkflowSteps,
		Derived:        derived,
	}, nil
}

// POI rebuilds the entity the record was taken from.
func (r Record) POI() (domain.POI, error) {
	details, err := domain.DecodeDetails(r.Kind, r.Details)
	if err != nil {
		return domain.POI{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	return domain.POI{
		ID:             r.ID,
		Kind:           r.Kind,
		Position:       r.Position,
		Polygon:        r.Polygon,
		Polyline:       r.Polyline,
		Status:         r.Status,
		Priority:       r.Priority,
		PriorityManual: r.PriorityManual,
		Version:        r.Version,
		Details:        details,
		Updates:        r.Updates,
		WorkflowSteps:  r.Steps,
		AuthorID:       r.AuthorID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// Stats counts what an export or import moved.
type Stats struct {
	POIs    int `json:"pois"`
	Updates int `json:"updates"`
}

// Export writes every POI of the registry to w.
func Export(ctx context.Context, eng engine.Engine, w io.Writer) (Stats, error) {
	var stats Stats
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return stats, fmt.Errorf("zstd writer: %w", err)
	}
	enc := newEncoder(zw)
	opts := eng.ConsensusOptions()
	registry := ""
	if eng.Config != nil {
		registry = eng.Config.Registry.Name
	}
	now := time.Now
	if eng.Now != nil {
		now = eng.Now
	}
	header := Header{
		Format:          formatName,
		Version:         formatVersion,
		Registry:        registry,
		ExportedAt:      now().UTC(),
		WindowSeconds:   int64(opts.Window / time.Second),
		HighReporters:   opts.HighReporters,
		MediumReporters: opts.MediumReporters,
	}
	if err := enc.Encode(header); err != nil {
		zw.Close()
		return stats, fmt.Errorf("write header: %w", err)
	}
	filter := repo.POIFilters{Limit: pageSize}
	for {
		page, err := eng.List(ctx, filter)
		if err != nil {
			zw.Close()
			return stats, err
		}
		for _, row := range page {
			p, err := eng.Get(ctx, row.ID)
			if err != nil {
				zw.Close()
				return stats, err
			}
			rec, err := recordOf(p, eng.Derive(p).Consensus)
			if err != nil {
				zw.Close()
				return stats, err
			}
			if err := enc.Encode(rec); err != nil {
				zw.Close()
				return stats, fmt.Errorf("write %s: %w", p.ID, err)
			}
			stats.POIs++
			stats.Updates += len(p.Updates)
		}
		if len(page) < pageSize {
			break
		}
		last := page[len(page)-1]
		filter.CursorCreatedAt, filter.CursorID = last.CreatedAt, last.ID
	}
	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("finish archive: %w", err)
	}
	return stats, nil
}

// Reader iterates the records of an archive.
type Reader struct {
	Header Header
	zr     *zstd.Decoder
	dec    *cbor.Decoder
}

func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	ar := &Reader{zr: zr, dec: newDecoder(zr)}
	if err := ar.dec.Decode(&ar.Header); err != nil {
		zr.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if ar.Header.Format != formatName {
		zr.Close()
		return nil, fmt.Errorf("not a registry archive (format %q)", ar.Header.Format)
	}
	if ar.Header.Version != formatVersion {
		zr.Close()
		return nil, fmt.Errorf("unsupported archive version %d", ar.Header.Version)
	}
	return ar, nil
}

// Next returns the next record or io.EOF.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return rec, io.EOF
		}
		return rec, fmt.Errorf("read record: %w", err)
	}
	return rec, nil
}

func (r *Reader) Close() {
	r.zr.Close()
}

// Import restores an archive into an empty registry in one transaction. Entry
// ids, sequence numbers and times are preserved.
func Import(ctx context.Context, eng engine.Engine, r io.Reader) (Stats, error) {
	var stats Stats
	ar, err := NewReader(r)
	if err != nil {
		return stats, err
	}
	defer ar.Close()
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()
	for {
		rec, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		p, err := rec.POI()
		if err != nil {
			return stats, err
		}
		if err := eng.Repo.InsertPOI(ctx, tx, p); err != nil {
			return stats, fmt.Errorf("restore %s: %w", p.ID, err)
		}
		if err := eng.Repo.InsertSteps(ctx, tx, p.WorkflowSteps); err != nil {
			return stats, err
		}
		for _, u := range p.Updates {
			if err := eng.Ledger.Restore(ctx, tx, u); err != nil {
				return stats, fmt.Errorf("restore %s seq %d: %w", p.ID, u.Seq, err)
			}
		}
		stats.POIs++
		stats.Updates += len(p.Updates)
	}
	if err := tx.Commit(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Issue is one inconsistency found while replaying a record.
type Issue struct {
	POIID  string `json:"poi_id"`
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

// Report summarises a verification pass.
type Report struct {
	Header Header  `json:"header"`
	Stats  Stats   `json:"stats"`
	Issues []Issue `json:"issues"`
}

func (r Report) OK() bool {
	return len(r.Issues) == 0
}

// Verify replays every record: ledger sequence, consensus recomputation and
// the status the ledger implies are checked against what was stored.
func Verify(r io.Reader) (Report, error) {
	ar, err := NewReader(r)
	if err != nil {
		return Report{}, err
	}
	defer ar.Close()
	report := Report{Header: ar.Header, Issues: []Issue{}}
	opts := ar.Header.ConsensusOptions()
	for {
		rec, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, err
		}
		report.Stats.POIs++
		report.Stats.Updates += len(rec.Updates)
		report.Issues = append(report.Issues, verifyRecord(rec, opts)...)
	}
	return report, nil
}

func verifyRecord(rec Record, opts consensus.Options) []Issue {
	var issues []Issue
	add := func(check, format string, args ...any) {
		issues = append(issues, Issue{POIID: rec.ID, Check: check, Detail: fmt.Sprintf(format, args...)})
	}
	p, err := rec.POI()
	if err != nil {
		add("details", "%v", err)
		return issues
	}

	seen := map[int64]bool{}
	for i, u := range p.Updates {
		if u.POIID != p.ID {
			add("ledger", "entry %s belongs to %s", u.ID, u.POIID)
		}
		if seen[u.Seq] {
			add("ledger", "duplicate seq %d", u.Seq)
		}
		seen[u.Seq] = true
		if i > 0 && u.Before(p.Updates[i-1]) {
			add("ledger", "entry seq %d out of (timestamp, seq) order", u.Seq)
		}
	}
	for seq := int64(1); seq <= int64(len(p.Updates)); seq++ {
		if !seen[seq] {
			add("ledger", "missing seq %d", seq)
		}
	}

	derived := consensus.Resolve(p.Kind, p.Updates, opts)
	if !sameDerived(derived, rec.Derived) {
		stored, _ := json.Marshal(normalized(rec.Derived))
		replayed, _ := json.Marshal(normalized(derived))
		add("consensus", "stored %s, replayed %s", stored, replayed)
	}
	if p.Kind.Observable() && derived.Reported && derived.Status != p.Status {
		add("status", "stored %s but reports resolve to %s", p.Status, derived.Status)
	}
	if p.Kind == domain.KindIncident && !p.PriorityManual && derived.Priority != p.Priority {
		add("priority", "stored %s but reporters derive %s", p.Priority, derived.Priority)
	}
	if p.Kind == domain.KindMaintenanceOrder {
		snapshot, _ := ledger.LatestParts(p.Updates)
		if !sameParts(snapshot, p.Maintenance().PartsConsumed) {
			add("parts", "details carry %v but the latest snapshot is %v", p.Maintenance().PartsConsumed, snapshot)
		}
	}
	if p.Kind == domain.KindLicensing {
		outcome := workflow.Outcome(p.WorkflowSteps)
		if (p.Status == domain.StatusApproved || p.Status == domain.StatusRejected) && domain.StepStatus(p.Status) != outcome {
			add("workflow", "status %s with workflow outcome %s", p.Status, outcome)
		}
	}
	return issues
}

func sameDerived(a, b consensus.Derived) bool {
	ja, errA := json.Marshal(normalized(a))
	jb, errB := json.Marshal(normalized(b))
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func normalized(d consensus.Derived) consensus.Derived {
	if d.AvailableDenominations == nil {
		d.AvailableDenominations = []string{}
	}
	if d.AvailableFuels == nil {
		d.AvailableFuels = []string{}
	}
	if d.LastReportedAt != nil {
		t := d.LastReportedAt.UTC()
		d.LastReportedAt = &t
	}
	return d
}

func sameParts(a, b []domain.PartUsage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
