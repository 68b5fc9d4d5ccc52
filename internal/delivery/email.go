package delivery

import (
	"context"
	"errors"

	"github.com/nestaid/nestaid-server/pkg/mail"
)

// mailerProvider adapts the SMTP mailer to the EmailProvider interface.
// Email sends are not throttled here; the email provider governs its own
// limits.
type mailerProvider struct {
	mailer mail.Mailer
	from   string
}

// NewMailerProvider wraps a mail.Mailer as an EmailProvider.
func NewMailerProvider(mailer mail.Mailer, from string) (EmailProvider, error) {
	if mailer == nil {
		return nil, errors.New("delivery: mailer is required")
	}
	return &mailerProvider{mailer: mailer, from: from}, nil
}

func (p *mailerProvider) SendEmail(ctx context.Context, msg EmailMessage) (Receipt, error) {
	err := p.mailer.Send(ctx, mail.Message{
		From:    p.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if err != nil {
		if errors.Is(err, mail.ErrSMTPDisabled) {
			return Receipt{}, Permanent("email delivery disabled", err)
		}
		// SMTP failures are connection-level and usually recoverable.
		return Receipt{}, Transient(err)
	}

	return Receipt{Status: "sent"}, nil
}
