package inventory

import (
	"fmt"
	"sort"

	"poiledger/internal/domain"
)

// StockDelta is the change in parts attributed to an order. A positive Delta
// draws stock, a negative one returns it.
type StockDelta struct {
	PartID   string `json:"part_id"`
	Previous int64  `json:"previous"`
	Next     int64  `json:"next"`
	Delta    int64  `json:"delta"`
}

// Normalize merges duplicate parts, drops zero quantities and sorts by part id.
func Normalize(parts []domain.PartUsage) ([]domain.PartUsage, error) {
	totals, err := totalsOf(parts, "parts_consumed")
	if err != nil {
		return nil, err
	}
	out := make([]domain.PartUsage, 0, len(totals))
	for id, q := range totals {
		if q == 0 {
			continue
		}
		out = append(out, domain.PartUsage{PartID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartID < out[j].PartID })
	return out, nil
}

// Diff computes next - previous for every part named in either list.
func Diff(previous, next []domain.PartUsage) ([]StockDelta, error) {
	prev, err := totalsOf(previous, "previous_parts")
	if err != nil {
		return nil, err
	}
	nxt, err := totalsOf(next, "parts_consumed")
	if err != nil {
		return nil, err
	}
	ids := map[string]struct{}{}
	for id := range prev {
		ids[id] = struct{}{}
	}
	for id := range nxt {
		ids[id] = struct{}{}
	}
	var out []StockDelta
	for id := range ids {
		d := nxt[id] - prev[id]
		if d == 0 {
			continue
		}
		out = append(out, StockDelta{PartID: id, Previous: prev[id], Next: nxt[id], Delta: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartID < out[j].PartID })
	return out, nil
}

func totalsOf(parts []domain.PartUsage, field string) (map[string]int64, error) {
	totals := map[string]int64{}
	for _, p := range parts {
		if p.PartID == "" {
			return nil, domain.ValidationError{Field: field, Reason: "part_id required"}
		}
		if p.Quantity < 0 {
			return nil, domain.ValidationError{Field: field, Reason: fmt.Sprintf("negative quantity %d for %s", p.Quantity, p.PartID)}
		}
		totals[p.PartID] += p.Quantity
	}
	return totals, nil
}
