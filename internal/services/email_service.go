package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pkglogger "github.com/BradenHooton/revguard/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// MFACodeSender delivers one-time login codes to a subject
type MFACodeSender interface {
	SendMFACode(ctx context.Context, subjectID, code string) error
}

// SESAPI is the subset of the SES client used to send mail
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESMFACodeSender emails login codes using AWS SES
type SESMFACodeSender struct {
	client      SESAPI
	users       UserRepository
	fromAddress string
	codeExpiry  time.Duration
	logger      *slog.Logger
}

// NewSESMFACodeSender creates a sender backed by the default AWS config for region
func NewSESMFACodeSender(region, fromAddress string, codeExpiry time.Duration, users UserRepository, logger *slog.Logger) (*SESMFACodeSender, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSESMFACodeSenderWithClient(ses.NewFromConfig(cfg), fromAddress, codeExpiry, users, logger), nil
}

// NewSESMFACodeSenderWithClient creates a sender around an existing client
func NewSESMFACodeSenderWithClient(client SESAPI, fromAddress string, codeExpiry time.Duration, users UserRepository, logger *slog.Logger) *SESMFACodeSender {
	return &SESMFACodeSender{
		client:      client,
		users:       users,
		fromAddress: fromAddress,
		codeExpiry:  codeExpiry,
		logger:      logger,
	}
}

// SendMFACode emails code to the subject's address
func (s *SESMFACodeSender) SendMFACode(ctx context.Context, subjectID, code string) error {
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("failed to look up mfa recipient: %w", err)
	}

	minutes := int(s.codeExpiry.Minutes())

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .code { font-size: 28px; letter-spacing: 6px; font-weight: bold; text-align: center; padding: 16px; background-color: #f8f9fa; border-radius: 4px; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Your sign-in code</h1>
        <p>Enter this code to finish signing in to the revenue dashboard:</p>
        <p class="code">%s</p>
        <p>The code expires in %d minutes and can be used once.</p>
        <p><strong>Didn't try to sign in?</strong><br>
        Someone may know your password. Change it as soon as possible.</p>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, code, minutes)

	textBody := fmt.Sprintf(`Your sign-in code

Enter this code to finish signing in to the revenue dashboard:

%s

The code expires in %d minutes and can be used once.

Didn't try to sign in? Someone may know your password. Change it as soon as possible.
`, code, minutes)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{user.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Your sign-in code"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("mfa code email sent",
		slog.String("email", pkglogger.SanitizedEmail(user.Email)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// LogMFACodeSender writes codes to the log instead of sending them.
// Outside development the code itself is redacted.
type LogMFACodeSender struct {
	env    string
	logger *slog.Logger
}

// NewLogMFACodeSender creates a new LogMFACodeSender
func NewLogMFACodeSender(env string, logger *slog.Logger) *LogMFACodeSender {
	return &LogMFACodeSender{env: env, logger: logger}
}

// SendMFACode logs the code
func (s *LogMFACodeSender) SendMFACode(ctx context.Context, subjectID, code string) error {
	s.logger.Info("mfa code issued",
		slog.String("subject_id", subjectID),
		pkglogger.RedactedAttr("code", code, s.env),
	)
	return nil
}
