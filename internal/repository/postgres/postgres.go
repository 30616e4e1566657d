package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
	"github.com/e-hua/CloudWrap-sub001/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.ServiceRepository = (*Repository)(nil)

const serviceColumns = `id, name, kind, region, group_name, repo_id, branch, root_dir,
	bucket_name, build_dir, publish_dir, container_port, instance_type, image_path,
	created_at, updated_at`

// CreateService inserts a service row.
func (r *Repository) CreateService(ctx context.Context, service *domain.Service) error {
	const query = `INSERT INTO services (` + serviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	args := flattenService(service)
	_, err := r.pool.Exec(ctx, query, args...)
	return err
}

// GetServiceByID fetches a service by identifier.
func (r *Repository) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	const query = `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	service, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return service, nil
}

// UpdateService rewrites the mutable columns of a service row.
func (r *Repository) UpdateService(ctx context.Context, service *domain.Service) error {
	const query = `UPDATE services SET
		name = $2, region = $3, group_name = $4, repo_id = $5, branch = $6, root_dir = $7,
		bucket_name = $8, build_dir = $9, publish_dir = $10,
		container_port = $11, instance_type = $12, image_path = $13,
		updated_at = $14
		WHERE id = $1`
	args := flattenService(service)
	// strip kind and created_at, which never change after insert.
	updateArgs := make([]any, 0, 14)
	updateArgs = append(updateArgs, args[0])       // id
	updateArgs = append(updateArgs, args[1])       // name
	updateArgs = append(updateArgs, args[3:14]...) // region..image_path
	updateArgs = append(updateArgs, args[15])      // updated_at
	tag, err := r.pool.Exec(ctx, query, updateArgs...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteService removes a service row.
func (r *Repository) DeleteService(ctx context.Context, id string) error {
	const query = `DELETE FROM services WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListServices returns services matching the filter, newest first.
func (r *Repository) ListServices(ctx context.Context, filter domain.ServiceFilter) ([]domain.Service, error) {
	var (
		conditions []string
		args       []any
	)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Name != "" {
		conditions = append(conditions, "name ILIKE "+arg("%"+filter.Name+"%"))
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = "+arg(string(filter.Kind)))
	}
	if filter.Region != "" {
		conditions = append(conditions, "region = "+arg(filter.Region))
	}
	if filter.GroupName != "" {
		conditions = append(conditions, "group_name = "+arg(filter.GroupName))
	}
	if !filter.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at >= "+arg(filter.CreatedAfter))
	}
	if !filter.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at <= "+arg(filter.CreatedBefore))
	}

	query := `SELECT ` + serviceColumns + ` FROM services`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []domain.Service
	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *service)
	}
	return services, rows.Err()
}

func flattenService(service *domain.Service) []any {
	var (
		bucketName, buildDir, publishDir *string
		containerPort                    *int
		instanceType, imagePath          *string
	)
	if service.Site != nil {
		bucketName = &service.Site.BucketName
		buildDir = &service.Site.BuildDir
		publishDir = &service.Site.PublishDir
	}
	if service.Server != nil {
		containerPort = &service.Server.ContainerPort
		instanceType = &service.Server.InstanceType
		imagePath = &service.Server.ImagePath
	}
	return []any{
		service.ID, service.Name, string(service.Kind), service.Region, service.GroupName,
		service.RepoID, service.Branch, service.RootDir,
		bucketName, buildDir, publishDir,
		containerPort, instanceType, imagePath,
		service.CreatedAt, service.UpdatedAt,
	}
}

func scanService(row pgx.Row) (*domain.Service, error) {
	var (
		svc           domain.Service
		kind          string
		bucketName    *string
		buildDir      *string
		publishDir    *string
		containerPort *int
		instanceType  *string
		imagePath     *string
	)
	if err := row.Scan(
		&svc.ID, &svc.Name, &kind, &svc.Region, &svc.GroupName,
		&svc.RepoID, &svc.Branch, &svc.RootDir,
		&bucketName, &buildDir, &publishDir,
		&containerPort, &instanceType, &imagePath,
		&svc.CreatedAt, &svc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	svc.Kind = domain.ServiceKind(kind)
	switch svc.Kind {
	case domain.KindStaticSite:
		site := domain.SiteConfig{}
		if bucketName != nil {
			site.BucketName = *bucketName
		}
		if buildDir != nil {
			site.BuildDir = *buildDir
		}
		if publishDir != nil {
			site.PublishDir = *publishDir
		}
		svc.Site = &site
	case domain.KindServer:
		server := domain.ServerConfig{}
		if containerPort != nil {
			server.ContainerPort = *containerPort
		}
		if instanceType != nil {
			server.InstanceType = *instanceType
		}
		if imagePath != nil {
			server.ImagePath = *imagePath
		}
		svc.Server = &server
	}
	return &svc, nil
}
