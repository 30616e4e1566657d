package domain

import (
	"fmt"
	"strings"
	"time"
)

// ServiceKind discriminates the service variants.
type ServiceKind string

const (
	KindStaticSite ServiceKind = "static-site"
	KindServer     ServiceKind = "server"
)

// ParseServiceKind validates a raw kind value.
func ParseServiceKind(raw string) (ServiceKind, error) {
	switch ServiceKind(strings.TrimSpace(raw)) {
	case KindStaticSite:
		return KindStaticSite, nil
	case KindServer:
		return KindServer, nil
	default:
		return "", fmt.Errorf("unknown service kind %q", raw)
	}
}

// SiteConfig holds fields only valid for static-site services.
type SiteConfig struct {
	BucketName string `json:"bucket_name"`
	BuildDir   string `json:"build_dir"`
	PublishDir string `json:"publish_dir"`
}

// ServerConfig holds fields only valid for server services.
type ServerConfig struct {
	ContainerPort int    `json:"container_port"`
	InstanceType  string `json:"instance_type"`
	ImagePath     string `json:"image_path"`
}

// Service is the persisted record of a provisioned site or server. The row
// exists only after the corresponding apply run exited 0, and its kind never
// changes after creation.
type Service struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Kind      ServiceKind   `json:"kind"`
	Region    string        `json:"region"`
	GroupName string        `json:"group_name,omitempty"`
	RepoID    string        `json:"repo_id"`
	Branch    string        `json:"branch"`
	RootDir   string        `json:"root_dir,omitempty"`
	Site      *SiteConfig   `json:"site,omitempty"`
	Server    *ServerConfig `json:"server,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Validate enforces the tagged-union discipline between kind and the
// kind-specific config blocks.
func (s *Service) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("service name required")
	}
	if strings.TrimSpace(s.Region) == "" {
		return fmt.Errorf("service region required")
	}
	switch s.Kind {
	case KindStaticSite:
		if s.Site == nil {
			return fmt.Errorf("static-site service requires site config")
		}
		if s.Server != nil {
			return fmt.Errorf("static-site service must not carry server config")
		}
		if strings.TrimSpace(s.Site.BucketName) == "" {
			return fmt.Errorf("static-site service requires bucket name")
		}
	case KindServer:
		if s.Server == nil {
			return fmt.Errorf("server service requires server config")
		}
		if s.Site != nil {
			return fmt.Errorf("server service must not carry site config")
		}
		if s.Server.ContainerPort <= 0 || s.Server.ContainerPort > 65535 {
			return fmt.Errorf("server service requires a valid container port")
		}
	default:
		return fmt.Errorf("unknown service kind %q", s.Kind)
	}
	return nil
}

// ServiceUpdate captures the mutable fields of a service. Nil pointers leave
// the stored value untouched; kind is deliberately absent.
type ServiceUpdate struct {
	Name      *string       `json:"name,omitempty"`
	Region    *string       `json:"region,omitempty"`
	GroupName *string       `json:"group_name,omitempty"`
	RepoID    *string       `json:"repo_id,omitempty"`
	Branch    *string       `json:"branch,omitempty"`
	RootDir   *string       `json:"root_dir,omitempty"`
	Site      *SiteConfig   `json:"site,omitempty"`
	Server    *ServerConfig `json:"server,omitempty"`
}

// Apply overlays the update onto a copy of the service and stamps UpdatedAt.
func (u ServiceUpdate) Apply(svc Service, now time.Time) Service {
	if u.Name != nil {
		svc.Name = *u.Name
	}
	if u.Region != nil {
		svc.Region = *u.Region
	}
	if u.GroupName != nil {
		svc.GroupName = *u.GroupName
	}
	if u.RepoID != nil {
		svc.RepoID = *u.RepoID
	}
	if u.Branch != nil {
		svc.Branch = *u.Branch
	}
	if u.RootDir != nil {
		svc.RootDir = *u.RootDir
	}
	if u.Site != nil {
		site := *u.Site
		svc.Site = &site
	}
	if u.Server != nil {
		server := *u.Server
		svc.Server = &server
	}
	svc.UpdatedAt = now.UTC()
	return svc
}

// ServiceFilter narrows a service listing.
type ServiceFilter struct {
	Name          string
	Kind          ServiceKind
	Region        string
	GroupName     string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}
