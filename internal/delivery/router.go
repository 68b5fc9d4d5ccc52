package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/pkg/logger"
	"github.com/nestaid/nestaid-server/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
)

// Request describes one invitation delivery.
type Request struct {
	Method         string // models.DeliveryMethodSMS | Email | Both
	RecipientPhone string
	RecipientEmail string
	Subject        string
	Body           string
}

// Result carries per-channel outcomes. For method "both" each channel is
// attempted and recorded independently; one channel succeeding never hides
// the other's failure.
type Result struct {
	SMS   *models.ChannelResult
	Email *models.ChannelResult
}

// Delivered reports whether at least one channel accepted the send.
func (r Result) Delivered() bool {
	if r.SMS != nil && r.SMS.Status == models.InvitationStatusSent {
		return true
	}
	if r.Email != nil && r.Email.Status == models.InvitationStatusSent {
		return true
	}
	return false
}

// RouterOption customises Router behaviour.
type RouterOption func(*Router)

// WithMaxAttempts bounds retries of transient failures per channel.
func WithMaxAttempts(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay of the exponential backoff between retries.
func WithBackoff(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.backoff = d
		}
	}
}

// WithSleeper injects the retry sleep function, primarily for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) RouterOption {
	return func(r *Router) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// Router fans an invitation out to the channel senders selected by its
// delivery method. Retry policy lives here and nowhere else: transient
// failures retry with exponential backoff up to a bounded attempt count,
// then demote to permanent; permanent failures never retry.
type Router struct {
	sms   SMSProvider
	email EmailProvider

	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	log         *zap.Logger
}

// NewRouter constructs a Router. Either provider may be nil when the
// deployment lacks that channel; requests selecting it fail permanently.
func NewRouter(sms SMSProvider, email EmailProvider, opts ...RouterOption) *Router {
	r := &Router{
		sms:         sms,
		email:       email,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		sleep:       sleepContext,
		now:         time.Now,
		log:         logger.WithModule("delivery"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver attempts the channels selected by req.Method. The returned error
// aggregates per-channel failures; inspect the Result for per-channel state.
func (r *Router) Deliver(ctx context.Context, req Request) (Result, error) {
	var (
		result Result
		errs   error
	)

	wantSMS := req.Method == models.DeliveryMethodSMS || req.Method == models.DeliveryMethodBoth
	wantEmail := req.Method == models.DeliveryMethodEmail || req.Method == models.DeliveryMethodBoth

	if !wantSMS && !wantEmail {
		return result, Permanent("unknown delivery method "+req.Method, nil)
	}

	if wantSMS {
		outcome, err := r.attempt(ctx, ChannelSMS, func(ctx context.Context) (Receipt, error) {
			if r.sms == nil {
				return Receipt{}, Permanent("sms channel not configured", nil)
			}
			if req.RecipientPhone == "" {
				return Receipt{}, Permanent("no recipient phone", nil)
			}
			return r.sms.SendSMS(ctx, SMSMessage{To: req.RecipientPhone, Body: req.Body})
		})
		result.SMS = outcome
		errs = multierr.Append(errs, err)
	}

	if wantEmail {
		outcome, err := r.attempt(ctx, ChannelEmail, func(ctx context.Context) (Receipt, error) {
			if r.email == nil {
				return Receipt{}, Permanent("email channel not configured", nil)
			}
			if req.RecipientEmail == "" {
				return Receipt{}, Permanent("no recipient email", nil)
			}
			return r.email.SendEmail(ctx, EmailMessage{To: req.RecipientEmail, Subject: req.Subject, Body: req.Body})
		})
		result.Email = outcome
		errs = multierr.Append(errs, err)
	}

	return result, errs
}

func (r *Router) attempt(ctx context.Context, channel Channel, send func(context.Context) (Receipt, error)) (*models.ChannelResult, error) {
	outcome := &models.ChannelResult{AttemptedAt: r.now()}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		outcome.Attempts = attempt

		receipt, err := send(ctx)
		if err == nil {
			outcome.ProviderMessageID = receipt.ProviderMessageID
			outcome.Status = models.InvitationStatusSent
			metrics.InvitationSends.WithLabelValues(string(channel), "sent").Inc()
			return outcome, nil
		}

		lastErr = err
		if IsPermanent(err) || ctx.Err() != nil {
			break
		}

		metrics.InvitationSends.WithLabelValues(string(channel), "retried").Inc()
		r.log.Warn("delivery attempt failed",
			zap.String("channel", string(channel)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < r.maxAttempts {
			if err := r.sleep(ctx, r.backoff<<uint(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
	}

	// Exhausted transient retries demote to permanent.
	if IsTransient(lastErr) {
		lastErr = Permanent("retries exhausted", errors.Unwrap(lastErr))
	}

	outcome.Status = models.InvitationStatusFailed
	outcome.Error = lastErr.Error()
	metrics.InvitationSends.WithLabelValues(string(channel), "failed").Inc()
	return outcome, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
