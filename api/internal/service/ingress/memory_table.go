package ingress

import (
	"context"
	"sort"
	"sync"

	"github.com/dumcel/deployer/api/internal/domain"
)

// MemoryTable keeps routes in process. Suitable for a single API instance.
type MemoryTable struct {
	mu     sync.RWMutex
	routes map[string]domain.Route
}

// NewMemoryTable returns an empty table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{routes: make(map[string]domain.Route)}
}

func (t *MemoryTable) Put(_ context.Context, route domain.Route) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !route.Supersedes(t.routes[route.SubDomain]) {
		return false, nil
	}
	t.routes[route.SubDomain] = route
	return true, nil
}

func (t *MemoryTable) Get(_ context.Context, subDomain string) (domain.Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	route, ok := t.routes[subDomain]
	if !ok {
		return domain.Route{}, ErrRouteNotFound
	}
	return route, nil
}

func (t *MemoryTable) List(_ context.Context) ([]domain.Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	routes := make([]domain.Route, 0, len(t.routes))
	for _, route := range t.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].SubDomain < routes[j].SubDomain })
	return routes, nil
}

func (t *MemoryTable) Close() error { return nil }
