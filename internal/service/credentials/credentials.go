// Package credentials brokers short-lived deployment credentials through STS
// role assumption. Credentials are fetched fresh per operation and never
// cached or persisted.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
)

// STSClient defines the STS operations used by the broker.
type STSClient interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Broker issues scoped credentials by assuming a deployment role.
type Broker struct {
	client        STSClient
	roleARN       string
	sessionPrefix string
	ttl           time.Duration
	log           *slog.Logger
}

// New constructs a Broker from an AWS SDK config.
func New(cfg aws.Config, roleARN, sessionPrefix string, ttl time.Duration, log *slog.Logger) *Broker {
	if sessionPrefix == "" {
		sessionPrefix = "cloudwrap"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Broker{
		client:        sts.NewFromConfig(cfg),
		roleARN:       roleARN,
		sessionPrefix: sessionPrefix,
		ttl:           ttl,
		log:           log,
	}
}

// AssumeRole fetches a fresh credential triple for one operation.
func (b *Broker) AssumeRole(ctx context.Context) (domain.Credentials, error) {
	if b.roleARN == "" {
		return domain.Credentials{}, fmt.Errorf("deployment role ARN not configured")
	}
	sessionName := fmt.Sprintf("%s-%s", b.sessionPrefix, uuid.NewString())
	// AWS caps session names at 64 characters.
	if len(sessionName) > 64 {
		sessionName = sessionName[:64]
	}
	out, err := b.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(b.roleARN),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(int32(b.ttl.Seconds())),
	})
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("assume role: %w", err)
	}
	if out.Credentials == nil || out.Credentials.AccessKeyId == nil || out.Credentials.SecretAccessKey == nil {
		return domain.Credentials{}, fmt.Errorf("assume role returned no credentials")
	}
	creds := domain.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}
	b.log.Debug("deployment role assumed", "session", sessionName)
	return creds, nil
}
