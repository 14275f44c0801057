package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"poiledger/internal/db"
	"poiledger/internal/domain"
	"poiledger/internal/repo"
)

const TimeLayout = domain.TimeLayout

func FormatTime(t time.Time) string {
	return domain.FormatTime(t)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "asc":
		return Asc, nil
	case "desc":
		return Desc, nil
	}
	return "", domain.ValidationError{Field: "order", Reason: "must be asc or desc"}
}

// payload is the structured part of an Update as stored.
type payload struct {
	ReportedStatus         domain.Status      `json:"reported_status,omitempty"`
	AvailableDenominations []string           `json:"available_denominations,omitempty"`
	AvailableFuels         []string           `json:"available_fuels,omitempty"`
	QueueTime              domain.QueueTime   `json:"queue_time,omitempty"`
	PartsConsumed          []domain.PartUsage `json:"parts_consumed,omitempty"`
}

// Ledger is the append-only store of Updates.
type Ledger struct {
	Dialect db.Dialect
	Now     func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append assigns id, seq and recorded time, and the timestamp when absent.
// Entries are never rewritten.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, poiID string, u domain.Update) (domain.Update, error) {
	if poiID == "" {
		return u, domain.ValidationError{Field: "poi_id", Reason: "required"}
	}
	if u.AuthorID == "" {
		return u, domain.ValidationError{Field: "author_id", Reason: "required"}
	}
	if u.QueueTime != "" && !u.QueueTime.Valid() {
		return u, domain.ValidationError{Field: "queue_time", Reason: fmt.Sprintf("unknown bucket %q", u.QueueTime)}
	}
	for _, p := range u.PartsConsumed {
		if p.Quantity < 0 {
			return u, domain.ValidationError{Field: "parts_consumed", Reason: fmt.Sprintf("negative quantity for %s", p.PartID)}
		}
	}
	if u.Type == "" {
		u.Type = domain.UpdateReport
	}
	now := l.now().UTC()
	u.POIID = poiID
	u.ID = uuid.NewString()
	u.RecordedAt = now
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}
	u.Timestamp = u.Timestamp.UTC()

	var next int64
	if err := tx.QueryRowContext(ctx, l.Dialect.Rebind(`SELECT COALESCE(MAX(seq),0)+1 FROM updates WHERE poi_id=?`), poiID).Scan(&next); err != nil {
		return u, fmt.Errorf("next ledger seq: %w", err)
	}
	u.Seq = next
	if err := l.insert(ctx, tx, u); err != nil {
		return u, err
	}
	return u, nil
}

// Restore writes an entry exactly as exported, keeping its id, seq and times.
func (l Ledger) Restore(ctx context.Context, tx *sql.Tx, u domain.Update) error {
	if u.ID == "" || u.POIID == "" || u.Seq <= 0 {
		return domain.ValidationError{Field: "update", Reason: "restored entries need id, poi_id and seq"}
	}
	return l.insert(ctx, tx, u)
}

func (l Ledger) insert(ctx context.Context, tx *sql.Tx, u domain.Update) error {
	data, err := json.Marshal(payload{
		ReportedStatus:         u.ReportedStatus,
		AvailableDenominations: u.AvailableDenominations,
		AvailableFuels:         u.AvailableFuels,
		QueueTime:              u.QueueTime,
		PartsConsumed:          u.PartsConsumed,
	})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, l.Dialect.Rebind(`INSERT INTO updates(id,poi_id,seq,type,author_id,ts,note,payload_json,attachment_ref,recorded_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		u.ID, u.POIID, u.Seq, string(u.Type), u.AuthorID, FormatTime(u.Timestamp), nullable(u.Note), string(data), nullable(u.AttachmentRef), FormatTime(u.RecordedAt))
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// List returns the ledger of a POI ordered by (timestamp, seq).
func (l Ledger) List(ctx context.Context, q repo.Querier, poiID string, order Order) ([]domain.Update, error) {
	dir := "ASC"
	if order == Desc {
		dir = "DESC"
	}
	rows, err := q.QueryContext(ctx, l.Dialect.Rebind(`SELECT id,poi_id,seq,type,author_id,ts,note,payload_json,attachment_ref,recorded_at FROM updates WHERE poi_id=? ORDER BY ts `+dir+`, seq `+dir), poiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Update
	for rows.Next() {
		var u domain.Update
		var ts, recorded, raw string
		var note, attachment sql.NullString
		if err := rows.Scan(&u.ID, &u.POIID, &u.Seq, &u.Type, &u.AuthorID, &ts, &note, &raw, &attachment, &recorded); err != nil {
			return nil, err
		}
		if u.Timestamp, err = ParseTime(ts); err != nil {
			return nil, fmt.Errorf("update %s timestamp: %w", u.ID, err)
		}
		if u.RecordedAt, err = ParseTime(recorded); err != nil {
			return nil, fmt.Errorf("update %s recorded_at: %w", u.ID, err)
		}
		var p payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("update %s payload: %w", u.ID, err)
		}
		u.Note = note.String
		u.AttachmentRef = attachment.String
		u.ReportedStatus = p.ReportedStatus
		u.AvailableDenominations = p.AvailableDenominations
		u.AvailableFuels = p.AvailableFuels
		u.QueueTime = p.QueueTime
		u.PartsConsumed = p.PartsConsumed
		res = append(res, u)
	}
	return res, rows.Err()
}

// LatestParts returns the parts snapshot of the most recent parts update. The
// creation entry counts as the first snapshot.
func LatestParts(updates []domain.Update) ([]domain.PartUsage, bool) {
	var latest *domain.Update
	for i := range updates {
		u := updates[i]
		if u.Type != domain.UpdatePartsSnapshot && u.Type != domain.UpdateCreated {
			continue
		}
		if latest == nil || latest.Seq < u.Seq {
			latest = &updates[i]
		}
	}
	if latest == nil {
		return nil, false
	}
	return latest.PartsConsumed, true
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
