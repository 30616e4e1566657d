// Package pipelines lists the build pipelines attached to the deployment
// account.
package pipelines

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
)

// CodeBuildClient defines the CodeBuild operations used by the service.
type CodeBuildClient interface {
	ListProjects(ctx context.Context, params *codebuild.ListProjectsInput, optFns ...func(*codebuild.Options)) (*codebuild.ListProjectsOutput, error)
}

// Service exposes read-only pipeline queries.
type Service struct {
	client CodeBuildClient
	log    *slog.Logger
}

// New constructs a pipeline service from an AWS SDK config.
func New(cfg aws.Config, log *slog.Logger) Service {
	return Service{client: codebuild.NewFromConfig(cfg), log: log}
}

// NewWithClient injects a client, used by tests.
func NewWithClient(client CodeBuildClient, log *slog.Logger) Service {
	return Service{client: client, log: log}
}

// Configured reports whether a CodeBuild client is attached. A zero Service
// is not usable.
func (s Service) Configured() bool {
	return s.client != nil
}

// List returns all pipeline project names, following pagination.
func (s Service) List(ctx context.Context) ([]string, error) {
	var (
		names []string
		token *string
	)
	for {
		out, err := s.client.ListProjects(ctx, &codebuild.ListProjectsInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("list pipelines: %w", err)
		}
		names = append(names, out.Projects...)
		if out.NextToken == nil || aws.ToString(out.NextToken) == "" {
			break
		}
		token = out.NextToken
	}
	s.log.Debug("pipelines listed", "count", len(names))
	return names, nil
}
