package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
)

var (
	// ErrInvalidRoute indicates a publish request failed validation.
	ErrInvalidRoute = errors.New("ingress: invalid route")
	// ErrRouteNotFound indicates no route is bound to the subdomain.
	ErrRouteNotFound = errors.New("ingress: route not found")
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Table stores subdomain bindings. Put must apply last-writer-wins by
// deployment creation time atomically and report whether the route was applied.
type Table interface {
	Put(ctx context.Context, route domain.Route) (bool, error)
	Get(ctx context.Context, subDomain string) (domain.Route, error)
	List(ctx context.Context) ([]domain.Route, error)
	Close() error
}

// PublishInput binds a subdomain to the artifact of a ready deployment.
type PublishInput struct {
	ProjectID           string
	SubDomain           string
	ArtifactRef         string
	DeploymentID        string
	DeploymentCreatedAt time.Time
}

// Registrar exposes published artifacts under <subdomain>.<platform domain>.
type Registrar struct {
	table  Table
	domain string
	scheme string
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistrar constructs a registrar over the given route table.
func NewRegistrar(table Table, platformDomain, scheme string, logger *slog.Logger) *Registrar {
	scheme = strings.TrimSpace(scheme)
	if scheme == "" {
		scheme = "https"
	}
	return &Registrar{
		table:  table,
		domain: strings.Trim(strings.ToLower(strings.TrimSpace(platformDomain)), "."),
		scheme: scheme,
		logger: logger,
		now:    time.Now,
	}
}

// Publish binds the subdomain to artifactRef. A publish for a deployment
// older than the currently bound one is ignored and reported as not applied.
// Republishing the same deployment is idempotent.
func (r *Registrar) Publish(ctx context.Context, in PublishInput) (bool, error) {
	sub := NormalizeSubdomain(in.SubDomain)
	if !ValidSubdomain(sub) {
		return false, fmt.Errorf("%w: subdomain %q", ErrInvalidRoute, in.SubDomain)
	}
	if err := ValidateArtifactRef(in.ArtifactRef); err != nil {
		return false, err
	}
	route := domain.Route{
		SubDomain:           sub,
		ProjectID:           in.ProjectID,
		DeploymentID:        in.DeploymentID,
		ArtifactRef:         strings.TrimRight(strings.TrimSpace(in.ArtifactRef), "/"),
		DeploymentCreatedAt: in.DeploymentCreatedAt.UTC(),
		UpdatedAt:           r.now().UTC(),
	}
	applied, err := r.table.Put(ctx, route)
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", sub, err)
	}
	if applied {
		r.logger.Info("route published", "sub_domain", sub, "deployment_id", in.DeploymentID, "artifact_ref", route.ArtifactRef)
	} else {
		r.logger.Info("stale publish ignored", "sub_domain", sub, "deployment_id", in.DeploymentID)
	}
	return applied, nil
}

// Resolve returns the route bound to the subdomain.
func (r *Registrar) Resolve(ctx context.Context, subDomain string) (domain.Route, error) {
	return r.table.Get(ctx, NormalizeSubdomain(subDomain))
}

// ResolveHost maps an inbound Host header to a route.
func (r *Registrar) ResolveHost(ctx context.Context, host string) (domain.Route, error) {
	sub, ok := r.SubdomainForHost(host)
	if !ok {
		return domain.Route{}, ErrRouteNotFound
	}
	return r.Resolve(ctx, sub)
}

// SubdomainForHost extracts the leading label of a host under the platform domain.
func (r *Registrar) SubdomainForHost(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	suffix := "." + r.domain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	sub := strings.TrimSuffix(host, suffix)
	if !ValidSubdomain(sub) {
		return "", false
	}
	return sub, true
}

// LiveURL is the public address of a subdomain.
func (r *Registrar) LiveURL(subDomain string) string {
	return fmt.Sprintf("%s://%s.%s/", r.scheme, NormalizeSubdomain(subDomain), r.domain)
}

// Routes lists every binding.
func (r *Registrar) Routes(ctx context.Context) ([]domain.Route, error) {
	return r.table.List(ctx)
}

// Sync republishes the given ready deployments. It is used at startup to
// repair bindings whose publish failed after the state was persisted.
func (r *Registrar) Sync(ctx context.Context, deployments []domain.Deployment) (int, error) {
	var (
		applied int
		errs    []error
	)
	for _, d := range deployments {
		if d.State != domain.StateReady || d.ArtifactRef == "" {
			continue
		}
		ok, err := r.Publish(ctx, PublishInput{
			ProjectID:           d.ProjectID,
			SubDomain:           d.SubDomain,
			ArtifactRef:         d.ArtifactRef,
			DeploymentID:        d.ID,
			DeploymentCreatedAt: d.CreatedAt,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

// Close releases the underlying table.
func (r *Registrar) Close() error {
	return r.table.Close()
}

// NormalizeSubdomain trims and lowercases a subdomain.
func NormalizeSubdomain(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidSubdomain reports whether s is a single DNS label.
func ValidSubdomain(s string) bool {
	return subdomainPattern.MatchString(s)
}

// ValidateArtifactRef accepts absolute http(s) URLs.
func ValidateArtifactRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: artifact ref required", ErrInvalidRoute)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: artifact ref: %v", ErrInvalidRoute, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: artifact ref %q must be an http(s) URL", ErrInvalidRoute, ref)
	}
	return nil
}
