package repository

import (
	"context"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
)

// ServiceRepository persists provisioned services. The provisioning layer
// depends only on this narrow contract, never on query internals.
type ServiceRepository interface {
	CreateService(ctx context.Context, service *domain.Service) error
	GetServiceByID(ctx context.Context, id string) (*domain.Service, error)
	UpdateService(ctx context.Context, service *domain.Service) error
	DeleteService(ctx context.Context, id string) error
	ListServices(ctx context.Context, filter domain.ServiceFilter) ([]domain.Service, error)
}
