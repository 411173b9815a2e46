// Package notify delivers security notifications for anomalous logins.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/tgrange/bastion/internal/models"
)

// SESNotifier emails principals about logins from a new device or location
// using AWS SES.
type SESNotifier struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewSESNotifier creates an SES-backed notifier.
func NewSESNotifier(region, fromAddress string, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// NotifyAnomalousLogin sends a security alert describing what was unusual
// about the login. It is called after the login already succeeded and must
// never block it.
func (n *SESNotifier) NotifyAnomalousLogin(ctx context.Context, principal *models.Principal, result models.AnomalyResult, originAddress string) error {
	subject := "Security alert: sign-in from a new "
	var what string
	switch {
	case result.IsNewDevice && result.IsNewLocation:
		what = "device and location"
	case result.IsNewDevice:
		what = "device"
	case result.IsNewLocation:
		what = "location"
	default:
		return nil
	}
	subject += what

	body := fmt.Sprintf(
		"Your account was signed in to from a new %s.\n\n"+
			"Address: %s\nTime: %s\n\n"+
			"If this was you, no action is needed. If you don't recognize this sign-in, "+
			"change your password and review your account's active sessions.\n",
		what, originAddress, time.Now().UTC().Format(time.RFC1123),
	)

	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{principal.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
			},
		},
	}

	if _, err := n.sesClient.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("failed to send anomaly alert: %w", err)
	}

	n.logger.Info("anomaly alert sent",
		slog.String("principal_id", principal.ID),
		slog.String("kind", what))
	return nil
}
