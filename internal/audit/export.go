package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fundroom/fundroom/internal/domain"
)

// DefaultExportCap bounds one export. Exceeding it is reported in the result
// envelope, never silently truncated.
const DefaultExportCap = 10000

// ExportOptions scope a compliance export.
type ExportOptions struct {
	ResourceID uuid.UUID // optional: restrict to one document
	From       time.Time // optional date range
	To         time.Time
	Limit      int // 0 means DefaultExportCap
}

// ExportResult is the chronological chain-of-custody for the requested scope.
type ExportResult struct {
	TenantID  uuid.UUID            `json:"tenant_id"`
	From      *time.Time           `json:"from,omitempty"`
	To        *time.Time           `json:"to,omitempty"`
	Entries   []*domain.AuditEntry `json:"entries"`
	Truncated bool                 `json:"truncated"`
	Cap       int                  `json:"cap"`
}

// Exporter reconstructs per-tenant audit history from the global stream and
// the embedded per-document trails.
type Exporter struct {
	audit domain.AuditRepository
	docs  domain.DocumentRepository
}

func NewExporter(audit domain.AuditRepository, docs domain.DocumentRepository) *Exporter {
	return &Exporter{audit: audit, docs: docs}
}

// Export merges global-stream entries with the scoped document's embedded
// trail, de-duplicates entries the webhook pipeline wrote to both sinks, and
// returns them oldest first.
func (e *Exporter) Export(ctx context.Context, tenantID uuid.UUID, opts ExportOptions) (*ExportResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > DefaultExportCap {
		limit = DefaultExportCap
	}

	var (
		entries []*domain.AuditEntry
		err     error
	)
	if opts.ResourceID != uuid.Nil {
		entries, err = e.audit.ListByResource(ctx, tenantID, "document", opts.ResourceID)
	} else {
		// Fetch one past the cap to learn whether we truncated.
		entries, err = e.audit.ListByTenant(ctx, tenantID, opts.From, opts.To, limit+1, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("audit.Export: global stream: %w", err)
	}

	if opts.ResourceID != uuid.Nil {
		embedded, embErr := e.embeddedEntries(ctx, tenantID, opts.ResourceID)
		if embErr != nil {
			return nil, embErr
		}
		entries = mergeEntries(entries, embedded)
	}

	entries = filterRange(entries, opts.From, opts.To)

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	truncated := len(entries) > limit
	if truncated {
		entries = entries[:limit]
	}

	res := &ExportResult{
		TenantID:  tenantID,
		Entries:   entries,
		Truncated: truncated,
		Cap:       limit,
	}
	if !opts.From.IsZero() {
		from := opts.From
		res.From = &from
	}
	if !opts.To.IsZero() {
		to := opts.To
		res.To = &to
	}

	return res, nil
}

// embeddedEntries lifts a document's embedded trail into stream-shaped entries.
func (e *Exporter) embeddedEntries(ctx context.Context, tenantID, docID uuid.UUID) ([]*domain.AuditEntry, error) {
	doc, err := e.docs.GetByID(ctx, tenantID, docID)
	if err != nil {
		return nil, fmt.Errorf("audit.Export: document trail: %w", err)
	}

	entries := make([]*domain.AuditEntry, 0, len(doc.AuditTrail))
	for _, te := range doc.AuditTrail {
		entries = append(entries, &domain.AuditEntry{
			TenantID:   tenantID,
			ActorType:  "document",
			Event:      te.Event,
			Resource:   "document",
			ResourceID: docID,
			IPAddress:  te.IPAddress,
			UserAgent:  te.UserAgent,
			Details:    te.Details,
			CreatedAt:  te.Timestamp,
		})
	}
	return entries, nil
}

// mergeEntries unions the two sinks, dropping embedded entries that duplicate
// a global-stream entry (same event at the same instant for the same resource).
func mergeEntries(global, embedded []*domain.AuditEntry) []*domain.AuditEntry {
	type key struct {
		event string
		at    int64
	}
	seen := make(map[key]struct{}, len(global))
	for _, g := range global {
		seen[key{g.Event, g.CreatedAt.UnixNano()}] = struct{}{}
	}

	out := global
	for _, em := range embedded {
		if _, dup := seen[key{em.Event, em.CreatedAt.UnixNano()}]; dup {
			continue
		}
		out = append(out, em)
	}
	return out
}

func filterRange(entries []*domain.AuditEntry, from, to time.Time) []*domain.AuditEntry {
	if from.IsZero() && to.IsZero() {
		return entries
	}
	out := entries[:0]
	for _, en := range entries {
		if !from.IsZero() && en.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && en.CreatedAt.After(to) {
			continue
		}
		out = append(out, en)
	}
	return out
}

// WriteJSON streams the export envelope as JSON.
func (r *ExportResult) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("audit.WriteJSON: %w", err)
	}
	return nil
}

// WriteCSV streams the entries as CSV with a fixed header row.
func (r *ExportResult) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"timestamp", "event", "actor_type", "actor_id", "resource", "resource_id", "ip_address", "user_agent", "geo", "details"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit.WriteCSV: header: %w", err)
	}

	for _, e := range r.Entries {
		details := ""
		if len(e.Details) > 0 {
			b, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("audit.WriteCSV: marshal details: %w", err)
			}
			details = string(b)
		}

		resourceID := ""
		if e.ResourceID != uuid.Nil {
			resourceID = e.ResourceID.String()
		}

		row := []string{
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.Event,
			e.ActorType,
			e.ActorID,
			e.Resource,
			resourceID,
			e.IPAddress,
			e.UserAgent,
			e.Geo,
			details,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("audit.WriteCSV: row: %w", err)
		}
	}

	if r.Truncated {
		note := []string{"", "export.truncated", "system", "", "", "", "", "", "", "cap=" + strconv.Itoa(r.Cap)}
		if err := cw.Write(note); err != nil {
			return fmt.Errorf("audit.WriteCSV: truncation note: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("audit.WriteCSV: flush: %w", err)
	}
	return nil
}
