package delivery

import (
	"context"
	"errors"
	"fmt"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// SMSMessage is one outbound text message.
type SMSMessage struct {
	To   string
	Body string
}

// EmailMessage is one outbound invitation email.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// Receipt is the provider's synchronous acknowledgement of a send. Delivery
// confirmation arrives later through the provider webhook.
type Receipt struct {
	ProviderMessageID string
	Status            string
}

// SMSProvider is the external SMS gateway collaborator.
type SMSProvider interface {
	SendSMS(ctx context.Context, msg SMSMessage) (Receipt, error)
}

// EmailProvider is the external email gateway collaborator.
type EmailProvider interface {
	SendEmail(ctx context.Context, msg EmailMessage) (Receipt, error)
}

// TransientError marks a retryable provider failure (timeout, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable failure (invalid destination,
// opted-out recipient, carrier rejection).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent delivery failure: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsTransient reports whether err is a retryable delivery failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable delivery failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
