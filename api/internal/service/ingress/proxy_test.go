package ingress

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProxyForwardsToBoundArtifact(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello from "+r.Host+r.URL.Path)
	}))
	defer upstream.Close()

	reg := newTestRegistrar(NewMemoryTable())
	_, err := reg.Publish(context.Background(), PublishInput{SubDomain: "blog", ArtifactRef: upstream.URL, DeploymentID: "d1"})
	require.NoError(t, err)

	proxy := NewProxy(reg, reg.logger)

	req := httptest.NewRequest(http.MethodGet, "http://blog.dumcel.app/posts", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello from blog.dumcel.app/posts", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "http://nothing.dumcel.app/", nil)
	rec = httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
