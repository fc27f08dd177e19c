package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fundroom/fundroom/internal/domain"
)

// Recorder appends events to the global append-only audit stream. Entries are
// immutable once written; there is deliberately no update or delete path.
type Recorder struct {
	repo domain.AuditRepository
}

func NewRecorder(repo domain.AuditRepository) *Recorder {
	return &Recorder{repo: repo}
}

// Record writes one entry, filling id and timestamp. Returns the storage error
// so callers on the critical path (webhook pipeline) can fail the request.
func (r *Recorder) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return r.repo.Record(ctx, entry)
}

// TryRecord is Record for callers that must not fail on an audit write
// (rate-limit refusals, anomaly alerts): the error is logged and swallowed.
func (r *Recorder) TryRecord(ctx context.Context, entry *domain.AuditEntry) {
	if err := r.Record(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("event", entry.Event).
			Str("resource", entry.Resource).
			Msg("audit: record failed")
	}
}
