package auth

import (
	"context"

	"github.com/kosherhub/kosherhub/pkg/observability"
)

// EmailSender delivers the transactional auth emails. Delivery is
// best-effort everywhere it is used: a failed send is logged and the
// operation continues.
type EmailSender interface {
	SendVerificationEmail(ctx context.Context, email, name, token string) error
	SendPasswordResetEmail(ctx context.Context, email, name, token string) error
}

// LogEmailSender writes would-be emails to the log. It is the default
// sender for development and tests.
type LogEmailSender struct {
	logger observability.Logger
}

// NewLogEmailSender returns a sender that only logs.
func NewLogEmailSender(logger observability.Logger) *LogEmailSender {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &LogEmailSender{logger: logger}
}

func (s *LogEmailSender) SendVerificationEmail(ctx context.Context, email, name, token string) error {
	s.logger.Info("verification email (log sender)", map[string]interface{}{
		"email": email,
		"name":  name,
		"token": token,
	})
	return nil
}

func (s *LogEmailSender) SendPasswordResetEmail(ctx context.Context, email, name, token string) error {
	s.logger.Info("password reset email (log sender)", map[string]interface{}{
		"email": email,
		"name":  name,
		"token": token,
	})
	return nil
}
