package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
	"github.com/e-hua/CloudWrap-sub001/internal/provision/runner"
	"github.com/e-hua/CloudWrap-sub001/internal/provision/workspace"
	"github.com/e-hua/CloudWrap-sub001/internal/repository"
	"github.com/e-hua/CloudWrap-sub001/internal/service/assets"
	"github.com/e-hua/CloudWrap-sub001/internal/service/provision"
	"github.com/e-hua/CloudWrap-sub001/internal/stream"
	"github.com/e-hua/CloudWrap-sub001/internal/ws"
	"github.com/e-hua/CloudWrap-sub001/pkg/jwt"
)

const testSecret = "router-test-secret"

func TestCreateServiceReturnsAcceptedOperation(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	body := `{"name":"checkout","kind":"static-site","region":"us-east-1","repo_id":"org/app","branch":"main","site":{"bucket_name":"checkout-assets"}}`
	rec := env.request(t, http.MethodPost, "/services", body)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Operation provision.Operation `json:"operation"`
		Events    string              `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Operation.Action != provision.ActionCreate || resp.Operation.ID == "" {
		t.Fatalf("unexpected operation ack: %+v", resp.Operation)
	}
	if resp.Events != "/operations/"+resp.Operation.ID+"/events" {
		t.Fatalf("unexpected events path: %s", resp.Events)
	}
}

func TestCreateServiceRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	rec := env.request(t, http.MethodPost, "/services", `{"name":"x","kind":"lambda","region":"us-east-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/services", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestGetUnknownServiceReturns404(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	rec := env.request(t, http.MethodGet, "/services/missing-id", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateUnknownServiceReturns404(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	rec := env.request(t, http.MethodPut, "/services/missing-id", `{"branch":"release"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConcurrentCreateConflicts(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, withRunner(&routerFakeRunner{block: gate}))
	defer env.router.Close()
	defer close(gate)

	body := `{"name":"checkout","kind":"static-site","region":"us-east-1","site":{"bucket_name":"b"}}`
	if rec := env.request(t, http.MethodPost, "/services", body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected first create accepted, got %d", rec.Code)
	}
	rec := env.request(t, http.MethodPost, "/services", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate in-flight create, got %d", rec.Code)
	}
}

func TestListServicesReturnsStoredRecords(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()
	env.repo.services["svc-1"] = domain.Service{
		ID: "svc-1", Name: "checkout", Kind: domain.KindStaticSite, Region: "us-east-1",
		Site: &domain.SiteConfig{BucketName: "b"},
	}

	rec := env.request(t, http.MethodGet, "/services", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var services []domain.Service
	if err := json.Unmarshal(rec.Body.Bytes(), &services); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(services) != 1 || services[0].ID != "svc-1" {
		t.Fatalf("unexpected listing: %+v", services)
	}
}

func TestListServicesRejectsBadFilter(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	if rec := env.request(t, http.MethodGet, "/services?kind=queue", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind filter, got %d", rec.Code)
	}
	if rec := env.request(t, http.MethodGet, "/services?created_after=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", rec.Code)
	}
}

func TestHealthzReportsDatabaseOutage(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when healthy, got %d", rec.Code)
	}

	env.healthy = false
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when database down, got %d", rec.Code)
	}
}

func TestOperationEventsStreamOverSSE(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	server := httptest.NewServer(env.router)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/operations/op-sse/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !env.hub.HasSubscribers("op-sse") {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.Broadcast("op-sse", []byte(`{"source":"stdout","data":"Creating..."}`))
	env.hub.BroadcastTerminal("op-sse", "end", []byte(`{"operation_id":"op-sse"}`))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			lines = append(lines, strings.TrimRight(line, "\n"))
		}
		if err != nil {
			break
		}
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, `data: {"source":"stdout","data":"Creating..."}`) {
		t.Fatalf("expected data frame on the wire, got:\n%s", joined)
	}
	if !strings.Contains(joined, "event: end") {
		t.Fatalf("expected end event on the wire, got:\n%s", joined)
	}
}

func TestAssetUploadRejectsServerKind(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()
	env.repo.services["svc-1"] = domain.Service{
		ID: "svc-1", Name: "api", Kind: domain.KindServer, Region: "us-east-1",
		Server: &domain.ServerConfig{ContainerPort: 8080},
	}

	rec := env.request(t, http.MethodPost, "/services/svc-1/assets", `{"dir":"/tmp/dist"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for non-site service, got %d", rec.Code)
	}
}

func TestPipelinesWithoutClientReturnsNotImplemented(t *testing.T) {
	env := newTestEnv(t)
	defer env.router.Close()

	rec := env.request(t, http.MethodGet, "/pipelines", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a pipeline client, got %d", rec.Code)
	}
}

func TestBearerTokenParsing(t *testing.T) {
	if _, err := bearerToken(""); err == nil {
		t.Fatal("expected error for empty header")
	}
	if _, err := bearerToken("Basic abc"); err == nil {
		t.Fatal("expected error for non-bearer scheme")
	}
	token, err := bearerToken("Bearer abc.def.ghi")
	if err != nil || token != "abc.def.ghi" {
		t.Fatalf("expected token extracted, got %q, %v", token, err)
	}
}

type testEnv struct {
	router  *Router
	repo    *routerFakeRepo
	hub     *ws.Hub
	token   string
	healthy bool
}

type envOption func(*envConfig)

type envConfig struct {
	run provision.Runner
}

func withRunner(run provision.Runner) envOption {
	return func(cfg *envConfig) { cfg.run = run }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{run: &routerFakeRunner{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &routerFakeRepo{services: make(map[string]domain.Service)}
	hub := ws.NewHub()
	provisionSvc := provision.New(repo, &routerFakeStager{}, cfg.run, &routerFakeCreds{}, hub, logger, provision.Options{})

	env := &testEnv{repo: repo, hub: hub, healthy: true}
	env.router = NewRouter(Config{
		Logger:    logger,
		Provision: provisionSvc,
		Uploader:  assets.NewUploader(logger),
		Creds:     &routerFakeCreds{},
		Hub:       hub,
		JWTSecret: testSecret,
		AWSRegion: "us-east-1",
		Heartbeat: 20 * time.Millisecond,
		DBHealth: func(context.Context) error {
			if env.healthy {
				return nil
			}
			return context.DeadlineExceeded
		},
	})

	token, err := jwt.GenerateToken("user-1", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	env.token = token
	return env
}

func (e *testEnv) request(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type routerFakeRepo struct {
	mu       sync.Mutex
	services map[string]domain.Service
}

func (f *routerFakeRepo) CreateService(_ context.Context, service *domain.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[service.ID] = *service
	return nil
}

func (f *routerFakeRepo) GetServiceByID(_ context.Context, id string) (*domain.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := svc
	return &copied, nil
}

func (f *routerFakeRepo) UpdateService(_ context.Context, service *domain.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.services[service.ID]; !ok {
		return repository.ErrNotFound
	}
	f.services[service.ID] = *service
	return nil
}

func (f *routerFakeRepo) DeleteService(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.services[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.services, id)
	return nil
}

func (f *routerFakeRepo) ListServices(_ context.Context, _ domain.ServiceFilter) ([]domain.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Service, 0, len(f.services))
	for _, svc := range f.services {
		out = append(out, svc)
	}
	return out, nil
}

type routerFakeStager struct{}

func (routerFakeStager) Stage(workspace.Spec) (string, error) { return "/tmp/ws", nil }
func (routerFakeStager) Unstage(string) error                 { return nil }

type routerFakeRunner struct {
	block chan struct{}
}

func (f *routerFakeRunner) Run(ctx context.Context, command runner.Command, sink stream.Sink) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sink.Emit(domain.StreamEvent{Source: domain.SourceStdout, Data: command.Args[0] + " done"})
	return nil
}

type routerFakeCreds struct{}

func (routerFakeCreds) AssumeRole(context.Context) (domain.Credentials, error) {
	return domain.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "s", SessionToken: "t"}, nil
}
