package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Email is one outbound message.
type Email struct {
	To      string
	Name    string
	Subject string
	Body    string
}

// Mailer sends transactional email. Implementations are called from
// background goroutines and must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer writes outbound mail to the structured log instead of sending it.
// Used in development and as the default when no provider is configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, e Email) error {
	log.Info().
		Str("to", e.To).
		Str("subject", e.Subject).
		Msg("mail: would send")
	return nil
}
