package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fundroom/fundroom/internal/domain"
)

// Notifier fans out document-completion email to every recipient on the
// document and to the tenant's administrators. Sends run in the background:
// a slow or failing provider never blocks the lifecycle transition that
// triggered them, and failures are logged, not propagated.
type Notifier struct {
	mailer Mailer
	users  domain.UserRepository
	wg     sync.WaitGroup
}

func NewNotifier(mailer Mailer, users domain.UserRepository) *Notifier {
	return &Notifier{mailer: mailer, users: users}
}

// DocumentCompleted satisfies the lifecycle service's CompletionNotifier.
// The caller passes a context detached from the originating request.
func (n *Notifier) DocumentCompleted(ctx context.Context, doc *domain.SignatureDocument) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.fanOut(ctx, doc)
	}()
}

// Wait blocks until all in-flight sends finish. Called on shutdown.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) fanOut(ctx context.Context, doc *domain.SignatureDocument) {
	seen := make(map[string]struct{})

	for _, r := range doc.Recipients {
		if r.Email == "" {
			continue
		}
		if _, dup := seen[r.Email]; dup {
			continue
		}
		seen[r.Email] = struct{}{}
		n.send(ctx, doc, Email{
			To:      r.Email,
			Name:    r.Name,
			Subject: fmt.Sprintf("%q has been fully signed", doc.Title),
			Body:    recipientBody(doc, r.Name),
		})
	}

	admins, err := n.users.ListAdmins(ctx, doc.TenantID)
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", doc.TenantID.String()).
			Msg("notify: list admins failed, skipping admin fan-out")
		return
	}
	for _, a := range admins {
		if _, dup := seen[a.Email]; dup {
			continue
		}
		seen[a.Email] = struct{}{}
		n.send(ctx, doc, Email{
			To:      a.Email,
			Name:    a.Name,
			Subject: fmt.Sprintf("Completed: %q", doc.Title),
			Body:    adminBody(doc),
		})
	}
}

func (n *Notifier) send(ctx context.Context, doc *domain.SignatureDocument, e Email) {
	if err := n.mailer.Send(ctx, e); err != nil {
		log.Error().Err(err).
			Str("to", e.To).
			Str("document_id", doc.ID.String()).
			Msg("notify: completion mail failed")
	}
}

func recipientBody(doc *domain.SignatureDocument, name string) string {
	return fmt.Sprintf(
		"Hello %s,\n\nAll parties have signed %q. A copy of the executed document is available in your portal.\n",
		name, doc.Title,
	)
}

func adminBody(doc *domain.SignatureDocument) string {
	return fmt.Sprintf(
		"Document %q (%s) completed with %d recipient(s).\n",
		doc.Title, doc.ID, len(doc.Recipients),
	)
}
