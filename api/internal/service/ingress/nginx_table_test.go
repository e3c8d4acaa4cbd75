package ingress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dumcel/deployer/api/internal/domain"
)

type countingReloader struct {
	reloads int
	closed  bool
	reject  error
}

func (r *countingReloader) Reload(context.Context) error {
	r.reloads++
	return r.reject
}

func (r *countingReloader) Close() error {
	r.closed = true
	return nil
}

func TestNginxTableWritesAndReloads(t *testing.T) {
	dir := t.TempDir()
	reloader := &countingReloader{}
	table, err := NewNginxTable(dir, "dumcel.app", reloader)
	require.NoError(t, err)
	ctx := context.Background()
	created := time.Date(2025, time.September, 9, 9, 9, 9, 0, time.UTC)

	applied, err := table.Put(ctx, domain.Route{SubDomain: "blog", ProjectID: "p1", DeploymentID: "d2", ArtifactRef: "http://127.0.0.1:32768", DeploymentCreatedAt: created})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, 1, reloader.reloads)

	raw, err := os.ReadFile(filepath.Join(dir, "dumcel-blog.conf"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "server_name blog.dumcel.app;")
	require.Contains(t, string(raw), "proxy_pass http://127.0.0.1:32768;")

	applied, err = table.Put(ctx, domain.Route{SubDomain: "blog", DeploymentID: "d1", ArtifactRef: "http://127.0.0.1:1", DeploymentCreatedAt: created.Add(-time.Hour)})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 1, reloader.reloads)

	route, err := table.Get(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, "d2", route.DeploymentID)
	require.Equal(t, "p1", route.ProjectID)
	require.True(t, route.DeploymentCreatedAt.Equal(created))

	routes, err := table.List(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "temp file left behind: %s", entry.Name())
	}

	require.NoError(t, table.Close())
	require.True(t, reloader.closed)
}

func TestNginxTableMissingRoute(t *testing.T) {
	table, err := NewNginxTable(t.TempDir(), "dumcel.app", nil)
	require.NoError(t, err)
	_, err = table.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrRouteNotFound)
}

func TestNginxTableRestoresRejectedBlock(t *testing.T) {
	dir := t.TempDir()
	reloader := &countingReloader{}
	table, err := NewNginxTable(dir, "dumcel.app", reloader)
	require.NoError(t, err)
	ctx := context.Background()
	created := time.Date(2025, time.September, 9, 9, 9, 9, 0, time.UTC)

	_, err = table.Put(ctx, domain.Route{SubDomain: "blog", DeploymentID: "d1", ArtifactRef: "http://127.0.0.1:32768", DeploymentCreatedAt: created})
	require.NoError(t, err)

	reloader.reject = fmt.Errorf("%w: unexpected \"}\"", ErrNginxConfigInvalid)
	applied, err := table.Put(ctx, domain.Route{SubDomain: "blog", DeploymentID: "d2", ArtifactRef: "http://127.0.0.1:40000", DeploymentCreatedAt: created.Add(time.Minute)})
	require.ErrorIs(t, err, ErrNginxConfigInvalid)
	require.False(t, applied)

	route, err := table.Get(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, "d1", route.DeploymentID)

	_, err = table.Put(ctx, domain.Route{SubDomain: "docs", DeploymentID: "d3", ArtifactRef: "http://127.0.0.1:40001", DeploymentCreatedAt: created})
	require.ErrorIs(t, err, ErrNginxConfigInvalid)
	_, err = os.Stat(filepath.Join(dir, "dumcel-docs.conf"))
	require.True(t, os.IsNotExist(err))
}
