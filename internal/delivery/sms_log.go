package delivery

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nestaid/nestaid-server/pkg/logger"
)

// logSMSProvider records outbound messages instead of sending them. Used in
// development and in deployments without a gateway account, so the queue and
// pacing path stays exercised end to end.
type logSMSProvider struct {
	log *zap.Logger
}

// NewLogSMSProvider returns an SMSProvider that logs messages and fabricates
// receipts.
func NewLogSMSProvider() SMSProvider {
	return &logSMSProvider{log: logger.WithModule("delivery.sms")}
}

func (p *logSMSProvider) SendSMS(_ context.Context, msg SMSMessage) (Receipt, error) {
	id := "log-" + uuid.NewString()
	p.log.Info("sms send (log only)",
		zap.String("to", msg.To),
		zap.String("provider_message_id", id),
		zap.Int("body_len", len(msg.Body)),
	)
	return Receipt{ProviderMessageID: id, Status: "sent"}, nil
}
