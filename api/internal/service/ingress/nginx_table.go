package ingress

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
)

const routeHeaderPrefix = "# dumcel-route"

var serverBlock = template.Must(template.New("server").Parse(`{{.Header}}
server {
    listen 80;
    server_name {{.Host}};

    location / {
        proxy_pass {{.Upstream}};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
    }
}
`))

// Reloader asks the nginx process to pick up changed configuration.
type Reloader interface {
	Reload(ctx context.Context) error
	Close() error
}

// NginxTable writes one server block per subdomain into an nginx conf.d
// directory. Files are replaced by rename so nginx never reads a partial block.
type NginxTable struct {
	mu       sync.Mutex
	dir      string
	domain   string
	reloader Reloader
}

// NewNginxTable prepares dir for route files. A nil reloader leaves reloads
// to an external process.
func NewNginxTable(dir, platformDomain string, reloader Reloader) (*NginxTable, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("nginx config path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create nginx config dir: %w", err)
	}
	return &NginxTable{dir: dir, domain: strings.Trim(platformDomain, "."), reloader: reloader}, nil
}

func (t *NginxTable) path(sub string) string {
	return filepath.Join(t.dir, "dumcel-"+sub+".conf")
}

func (t *NginxTable) Put(ctx context.Context, route domain.Route) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, err := t.read(route.SubDomain)
	if err != nil && !errors.Is(err, ErrRouteNotFound) {
		return false, err
	}
	if !route.Supersedes(current) {
		return false, nil
	}

	var buf bytes.Buffer
	if err := serverBlock.Execute(&buf, map[string]string{
		"Header":   encodeRouteHeader(route),
		"Host":     route.SubDomain + "." + t.domain,
		"Upstream": route.ArtifactRef,
	}); err != nil {
		return false, fmt.Errorf("render server block: %w", err)
	}

	tmp, err := os.CreateTemp(t.dir, ".dumcel-"+route.SubDomain+"-*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp route file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write route file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("sync route file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return false, err
	}
	target := t.path(route.SubDomain)
	previous, err := os.ReadFile(target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return false, fmt.Errorf("install route file: %w", err)
	}

	if t.reloader != nil {
		if err := t.reloader.Reload(ctx); err != nil {
			if errors.Is(err, ErrNginxConfigInvalid) {
				t.restore(target, previous)
				return false, err
			}
			return true, fmt.Errorf("reload nginx: %w", err)
		}
	}
	return true, nil
}

// restore puts back the block nginx last accepted, or drops the file when
// there was none.
func (t *NginxTable) restore(target string, previous []byte) {
	if previous == nil {
		_ = os.Remove(target)
		return
	}
	_ = os.WriteFile(target, previous, 0o644)
}

func (t *NginxTable) Get(_ context.Context, subDomain string) (domain.Route, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read(subDomain)
}

func (t *NginxTable) List(_ context.Context) ([]domain.Route, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(t.dir, "dumcel-*.conf"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	routes := make([]domain.Route, 0, len(matches))
	for _, match := range matches {
		sub := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(match), "dumcel-"), ".conf")
		route, err := t.read(sub)
		if err != nil {
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func (t *NginxTable) Close() error {
	if t.reloader != nil {
		return t.reloader.Close()
	}
	return nil
}

func (t *NginxTable) read(sub string) (domain.Route, error) {
	f, err := os.Open(t.path(sub))
	if errors.Is(err, os.ErrNotExist) {
		return domain.Route{}, ErrRouteNotFound
	}
	if err != nil {
		return domain.Route{}, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return domain.Route{}, fmt.Errorf("route file for %s is empty", sub)
	}
	route, err := decodeRouteHeader(scanner.Text())
	if err != nil {
		return domain.Route{}, err
	}
	route.SubDomain = sub
	return route, nil
}

func encodeRouteHeader(route domain.Route) string {
	return fmt.Sprintf("%s deployment=%s project=%s created_at=%d updated_at=%d artifact=%s",
		routeHeaderPrefix,
		route.DeploymentID,
		route.ProjectID,
		route.DeploymentCreatedAt.UnixMicro(),
		route.UpdatedAt.UnixMicro(),
		route.ArtifactRef,
	)
}

func decodeRouteHeader(line string) (domain.Route, error) {
	if !strings.HasPrefix(line, routeHeaderPrefix) {
		return domain.Route{}, fmt.Errorf("missing route header")
	}
	var route domain.Route
	for _, field := range strings.Fields(strings.TrimPrefix(line, routeHeaderPrefix)) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "deployment":
			route.DeploymentID = value
		case "project":
			route.ProjectID = value
		case "artifact":
			route.ArtifactRef = value
		case "created_at", "updated_at":
			micros, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return domain.Route{}, fmt.Errorf("route header %s: %w", key, err)
			}
			ts := time.UnixMicro(micros).UTC()
			if key == "created_at" {
				route.DeploymentCreatedAt = ts
			} else {
				route.UpdatedAt = ts
			}
		}
	}
	return route, nil
}
