// Package provision orchestrates the full lifecycle of one service: stage a
// workspace, run the infrastructure tool, persist the outcome, clean up. The
// database row is the single source of truth for a service's existence and is
// only written after the cloud-affecting run has succeeded.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
	"github.com/e-hua/CloudWrap-sub001/internal/provision/runner"
	"github.com/e-hua/CloudWrap-sub001/internal/provision/workspace"
	"github.com/e-hua/CloudWrap-sub001/internal/repository"
	"github.com/e-hua/CloudWrap-sub001/internal/stream"
)

// Action identifies the lifecycle operation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation acknowledges an accepted lifecycle request. Completion or failure
// is reported only through the event stream.
type Operation struct {
	ID        string `json:"operation_id"`
	Action    Action `json:"action"`
	ServiceID string `json:"service_id"`
}

// Stager materializes and removes operation workspaces.
type Stager interface {
	Stage(spec workspace.Spec) (string, error)
	Unstage(path string) error
}

// Runner executes the infrastructure tool, streaming its output to the sink.
type Runner interface {
	Run(ctx context.Context, command runner.Command, sink stream.Sink) error
}

// CredentialSource provides a fresh credential triple per operation.
type CredentialSource interface {
	AssumeRole(ctx context.Context) (domain.Credentials, error)
}

// Options tune the controller.
type Options struct {
	// TerraformBin is the infrastructure tool binary; defaults to "terraform".
	TerraformBin string
	// Deadline bounds each operation's subprocess work. Zero means no
	// deadline: applies are expected to take minutes.
	Deadline time.Duration
}

// Service is the lifecycle controller for provisioned services. It owns the
// per-operation event streams, publishing frames through the configured
// publisher keyed by operation id.
type Service struct {
	repo         repository.ServiceRepository
	stager       Stager
	runner       Runner
	creds        CredentialSource
	pub          stream.Publisher
	log          *slog.Logger
	terraformBin string
	deadline     time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New assembles a lifecycle controller.
func New(repo repository.ServiceRepository, stager Stager, run Runner, creds CredentialSource, pub stream.Publisher, log *slog.Logger, opts Options) *Service {
	initMetrics()
	bin := opts.TerraformBin
	if bin == "" {
		bin = "terraform"
	}
	return &Service{
		repo:         repo,
		stager:       stager,
		runner:       run,
		creds:        creds,
		pub:          pub,
		log:          log,
		terraformBin: bin,
		deadline:     opts.Deadline,
		inFlight:     make(map[string]struct{}),
	}
}

// CreateInput carries the kind-tagged fields for a new service.
type CreateInput struct {
	Name      string               `json:"name"`
	Kind      string               `json:"kind"`
	Region    string               `json:"region"`
	GroupName string               `json:"group_name"`
	RepoID    string               `json:"repo_id"`
	Branch    string               `json:"branch"`
	RootDir   string               `json:"root_dir"`
	Site      *domain.SiteConfig   `json:"site"`
	Server    *domain.ServerConfig `json:"server"`
}

// Create validates the input and starts an apply run for a new service. The
// returned Operation is an acknowledgement; the row is inserted only once the
// run exits 0.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Operation, error) {
	kind, err := domain.ParseServiceKind(input.Kind)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	svc := domain.Service{
		ID:        uuid.NewString(),
		Name:      input.Name,
		Kind:      kind,
		Region:    input.Region,
		GroupName: input.GroupName,
		RepoID:    input.RepoID,
		Branch:    input.Branch,
		RootDir:   input.RootDir,
		Site:      input.Site,
		Server:    input.Server,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	release, err := s.acquire("name:" + svc.Name)
	if err != nil {
		return nil, err
	}
	op := &Operation{ID: uuid.NewString(), Action: ActionCreate, ServiceID: svc.ID}
	go s.runCreate(op, svc, release)
	return op, nil
}

// Update reads the existing service, merges the supplied fields and starts a
// re-apply run. Unknown ids fail before any staging is attempted.
func (s *Service) Update(ctx context.Context, id string, update domain.ServiceUpdate) (*Operation, error) {
	current, err := s.repo.GetServiceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := update.Apply(*current, time.Now())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	release, err := s.acquire("service:" + id)
	if err != nil {
		return nil, err
	}
	op := &Operation{ID: uuid.NewString(), Action: ActionUpdate, ServiceID: id}
	go s.runUpdate(op, merged, release)
	return op, nil
}

// Delete reads the existing service and starts a destroy run. The row is
// removed only after the destroy exits 0; on failure it is deliberately
// retained so possibly-orphaned resources stay visible.
func (s *Service) Delete(ctx context.Context, id string) (*Operation, error) {
	current, err := s.repo.GetServiceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire("service:" + id)
	if err != nil {
		return nil, err
	}
	op := &Operation{ID: uuid.NewString(), Action: ActionDelete, ServiceID: id}
	go s.runDelete(op, *current, release)
	return op, nil
}

// Get returns one service record.
func (s *Service) Get(ctx context.Context, id string) (*domain.Service, error) {
	return s.repo.GetServiceByID(ctx, id)
}

// List returns service records matching the filter.
func (s *Service) List(ctx context.Context, filter domain.ServiceFilter) ([]domain.Service, error) {
	return s.repo.ListServices(ctx, filter)
}

func (s *Service) runCreate(op *Operation, svc domain.Service, release func()) {
	defer release()
	// The subscriber may disconnect at any time; the run is detached from the
	// request context so infrastructure changes always run to completion.
	ctx, cancel := s.operationContext()
	defer cancel()
	sink := stream.New(op.ID, s.pub, s.log)

	if err := s.provision(ctx, op, svc, sink, applyCommands()); err != nil {
		s.finishFailure(op, sink, err)
		return
	}
	sink.Emit(sysInfo("persisting service record"))
	if err := s.repo.CreateService(ctx, &svc); err != nil {
		s.finishFailure(op, sink, &DriftError{ServiceID: svc.ID, Action: op.Action, Err: err})
		return
	}
	s.finishSuccess(op, sink)
}

func (s *Service) runUpdate(op *Operation, merged domain.Service, release func()) {
	defer release()
	ctx, cancel := s.operationContext()
	defer cancel()
	sink := stream.New(op.ID, s.pub, s.log)

	if err := s.provision(ctx, op, merged, sink, applyCommands()); err != nil {
		s.finishFailure(op, sink, err)
		return
	}
	sink.Emit(sysInfo("updating service record"))
	if err := s.repo.UpdateService(ctx, &merged); err != nil {
		s.finishFailure(op, sink, &DriftError{ServiceID: merged.ID, Action: op.Action, Err: err})
		return
	}
	s.finishSuccess(op, sink)
}

func (s *Service) runDelete(op *Operation, svc domain.Service, release func()) {
	defer release()
	ctx, cancel := s.operationContext()
	defer cancel()
	sink := stream.New(op.ID, s.pub, s.log)

	if err := s.provision(ctx, op, svc, sink, destroyCommands()); err != nil {
		// The destroy failed, so cloud resources may still exist. The row is
		// kept so the service remains queryable instead of silently lost.
		sink.Emit(sysInfo("service record retained for reconciliation"))
		s.finishFailure(op, sink, err)
		return
	}
	sink.Emit(sysInfo("deleting service record"))
	if err := s.repo.DeleteService(ctx, svc.ID); err != nil {
		s.finishFailure(op, sink, &DriftError{ServiceID: svc.ID, Action: op.Action, Err: err})
		return
	}
	s.finishSuccess(op, sink)
}

// provision stages the workspace, assumes the deployment role and runs the
// tool commands in order. The workspace is removed on every exit path.
func (s *Service) provision(ctx context.Context, op *Operation, svc domain.Service, sink stream.Sink, commands [][]string) error {
	sink.Emit(sysInfo("staging workspace"))
	path, err := s.stager.Stage(workspace.Spec{
		OperationID:  op.ID,
		TemplateKind: string(svc.Kind),
		Variables:    serviceVariables(svc),
	})
	if err != nil {
		return &StagingError{Err: err}
	}
	defer func() {
		if err := s.stager.Unstage(path); err != nil {
			// Cleanup problems are logged but never mask the run outcome.
			s.log.Error("workspace cleanup failed", "operation_id", op.ID, "path", path, "error", err)
		}
	}()

	sink.Emit(sysInfo("assuming deployment role"))
	creds, err := s.creds.AssumeRole(ctx)
	if err != nil {
		return &ProvisioningError{Action: op.Action, Err: fmt.Errorf("assume deployment role: %w", err)}
	}

	env := credentialEnv(creds, svc.Region)
	for _, args := range commands {
		sink.Emit(sysInfo("running " + s.terraformBin + " " + args[0]))
		cmd := runner.Command{Name: s.terraformBin, Args: args, Dir: path, Env: env}
		if err := s.runner.Run(ctx, cmd, sink); err != nil {
			return &ProvisioningError{Action: op.Action, Err: err}
		}
	}
	return nil
}

func (s *Service) operationContext() (context.Context, context.CancelFunc) {
	if s.deadline > 0 {
		return context.WithTimeout(context.Background(), s.deadline)
	}
	return context.WithCancel(context.Background())
}

// acquire registers the channel as busy, failing fast when an operation is
// already in flight. The returned release removes the entry on settle.
func (s *Service) acquire(channel string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[channel]; busy {
		return nil, ErrOperationInFlight
	}
	s.inFlight[channel] = struct{}{}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.inFlight, channel)
	}, nil
}

func (s *Service) finishSuccess(op *Operation, sink stream.Sink) {
	recordOutcome(op.Action, "success")
	s.log.Info("operation completed", "operation_id", op.ID, "action", string(op.Action), "service_id", op.ServiceID)
	sink.End(domain.OperationResult{
		OperationID: op.ID,
		ServiceID:   op.ServiceID,
		Action:      string(op.Action),
	})
}

func (s *Service) finishFailure(op *Operation, sink stream.Sink, err error) {
	recordOutcome(op.Action, "failure")
	s.log.Error("operation failed", "operation_id", op.ID, "action", string(op.Action), "service_id", op.ServiceID, "error", err)
	sink.Emit(domain.StreamEvent{Source: domain.SourceSysFailure, Data: err.Error()})
	sink.Fail(domain.OperationResult{
		OperationID: op.ID,
		ServiceID:   op.ServiceID,
		Action:      string(op.Action),
		Error:       err.Error(),
	})
}

func sysInfo(message string) domain.StreamEvent {
	return domain.StreamEvent{Source: domain.SourceSysInfo, Data: message}
}

func applyCommands() [][]string {
	return [][]string{
		{"init", "-input=false", "-no-color"},
		{"apply", "-auto-approve", "-input=false", "-no-color"},
	}
}

func destroyCommands() [][]string {
	return [][]string{
		{"init", "-input=false", "-no-color"},
		{"destroy", "-auto-approve", "-input=false", "-no-color"},
	}
}

func serviceVariables(svc domain.Service) map[string]any {
	vars := map[string]any{
		"service_name": svc.Name,
		"region":       svc.Region,
		"repo_id":      svc.RepoID,
		"branch":       svc.Branch,
	}
	if svc.RootDir != "" {
		vars["root_dir"] = svc.RootDir
	}
	if svc.Site != nil {
		vars["bucket_name"] = svc.Site.BucketName
		vars["build_dir"] = svc.Site.BuildDir
		vars["publish_dir"] = svc.Site.PublishDir
	}
	if svc.Server != nil {
		vars["container_port"] = svc.Server.ContainerPort
		vars["instance_type"] = svc.Server.InstanceType
		vars["image_path"] = svc.Server.ImagePath
	}
	return vars
}

func credentialEnv(creds domain.Credentials, region string) []string {
	var env []string
	if !creds.Empty() {
		env = append(env,
			"AWS_ACCESS_KEY_ID="+creds.AccessKeyID,
			"AWS_SECRET_ACCESS_KEY="+creds.SecretAccessKey,
			"AWS_SESSION_TOKEN="+creds.SessionToken,
		)
	}
	if region != "" {
		env = append(env, "AWS_REGION="+region)
	}
	return env
}
