package pipelines

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
)

func TestListFollowsPagination(t *testing.T) {
	client := &fakeCodeBuild{pages: [][]string{
		{"site-build", "api-build"},
		{"worker-build"},
	}}
	svc := NewWithClient(client, discardLogger())

	names, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	want := []string{"site-build", "api-build", "worker-build"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected names: %v", names)
		}
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", client.calls)
	}
}

func TestConfiguredRequiresClient(t *testing.T) {
	if (Service{}).Configured() {
		t.Fatal("zero service must not report configured")
	}
	if !NewWithClient(&fakeCodeBuild{}, discardLogger()).Configured() {
		t.Fatal("service with client must report configured")
	}
}

func TestListPropagatesClientError(t *testing.T) {
	svc := NewWithClient(&fakeCodeBuild{err: errors.New("throttled")}, discardLogger())
	if _, err := svc.List(context.Background()); err == nil {
		t.Fatal("expected error from client")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCodeBuild struct {
	pages [][]string
	calls int
	err   error
}

func (f *fakeCodeBuild) ListProjects(_ context.Context, params *codebuild.ListProjectsInput, _ ...func(*codebuild.Options)) (*codebuild.ListProjectsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := f.calls
	f.calls++
	out := &codebuild.ListProjectsOutput{Projects: f.pages[page]}
	if page < len(f.pages)-1 {
		out.NextToken = aws.String("page-" + string(rune('a'+page)))
	}
	return out, nil
}
