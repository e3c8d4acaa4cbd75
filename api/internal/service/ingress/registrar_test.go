package ingress

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dumcel/deployer/api/internal/domain"
)

func newTestRegistrar(table Table) *Registrar {
	return NewRegistrar(table, "dumcel.app", "https", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishLastWriterWinsByDeploymentCreation(t *testing.T) {
	reg := newTestRegistrar(NewMemoryTable())
	ctx := context.Background()
	base := time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC)

	applied, err := reg.Publish(ctx, PublishInput{ProjectID: "p1", SubDomain: "Blog", ArtifactRef: "http://10.0.0.1:3000/", DeploymentID: "d2", DeploymentCreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = reg.Publish(ctx, PublishInput{ProjectID: "p1", SubDomain: "blog", ArtifactRef: "http://10.0.0.1:3001", DeploymentID: "d1", DeploymentCreatedAt: base})
	require.NoError(t, err)
	require.False(t, applied, "older deployment must not win")

	route, err := reg.Resolve(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, "d2", route.DeploymentID)
	require.Equal(t, "http://10.0.0.1:3000", route.ArtifactRef)

	applied, err = reg.Publish(ctx, PublishInput{ProjectID: "p1", SubDomain: "blog", ArtifactRef: "http://10.0.0.1:3000", DeploymentID: "d2", DeploymentCreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, applied, "republishing is idempotent")
}

func TestPublishValidatesInput(t *testing.T) {
	reg := newTestRegistrar(NewMemoryTable())
	ctx := context.Background()
	cases := map[string]PublishInput{
		"bad subdomain":  {SubDomain: "not a label", ArtifactRef: "http://x:1"},
		"empty artifact": {SubDomain: "ok"},
		"non-http ref":   {SubDomain: "ok", ArtifactRef: "docker://image"},
		"leading hyphen": {SubDomain: "-bad", ArtifactRef: "http://x:1"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Publish(ctx, in)
			require.ErrorIs(t, err, ErrInvalidRoute)
		})
	}
}

func TestResolveHost(t *testing.T) {
	reg := newTestRegistrar(NewMemoryTable())
	ctx := context.Background()
	_, err := reg.Publish(ctx, PublishInput{SubDomain: "shop", ArtifactRef: "http://127.0.0.1:9000", DeploymentID: "d1"})
	require.NoError(t, err)

	route, err := reg.ResolveHost(ctx, "SHOP.dumcel.app:8080")
	require.NoError(t, err)
	require.Equal(t, "shop", route.SubDomain)

	_, err = reg.ResolveHost(ctx, "shop.other.app")
	require.ErrorIs(t, err, ErrRouteNotFound)
	_, err = reg.ResolveHost(ctx, "a.b.dumcel.app")
	require.ErrorIs(t, err, ErrRouteNotFound)
	_, err = reg.ResolveHost(ctx, "missing.dumcel.app")
	require.ErrorIs(t, err, ErrRouteNotFound)
}

func TestLiveURL(t *testing.T) {
	reg := newTestRegistrar(NewMemoryTable())
	require.Equal(t, "https://blog.dumcel.app/", reg.LiveURL(" Blog "))
}

func TestSyncRepublishesReadyDeployments(t *testing.T) {
	reg := newTestRegistrar(NewMemoryTable())
	ctx := context.Background()
	now := time.Now().UTC()
	applied, err := reg.Sync(ctx, []domain.Deployment{
		{ID: "d1", ProjectID: "p1", SubDomain: "one", State: domain.StateReady, ArtifactRef: "http://h:1", CreatedAt: now},
		{ID: "d2", ProjectID: "p2", SubDomain: "two", State: domain.StateFailed, ArtifactRef: "http://h:2", CreatedAt: now},
		{ID: "d3", ProjectID: "p3", SubDomain: "three", State: domain.StateReady, CreatedAt: now},
	})
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	routes, err := reg.Routes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.Equal(t, "one", routes[0].SubDomain)
}
