package ingress

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
)

// Proxy serves public traffic by forwarding each request to the artifact
// bound to its Host subdomain.
type Proxy struct {
	registrar *Registrar
	logger    *slog.Logger

	mu      sync.Mutex
	proxies map[string]*httputil.ReverseProxy
}

// NewProxy returns an ingress handler backed by the registrar.
func NewProxy(registrar *Registrar, logger *slog.Logger) *Proxy {
	return &Proxy{registrar: registrar, logger: logger, proxies: make(map[string]*httputil.ReverseProxy)}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	route, err := p.registrar.ResolveHost(req.Context(), req.Host)
	if errors.Is(err, ErrRouteNotFound) {
		http.Error(w, "no deployment is published for this host", http.StatusNotFound)
		return
	}
	if err != nil {
		p.logger.Error("route lookup failed", "host", req.Host, "error", err)
		http.Error(w, "route lookup failed", http.StatusBadGateway)
		return
	}
	proxy, err := p.proxyFor(route.ArtifactRef)
	if err != nil {
		p.logger.Error("invalid artifact ref", "sub_domain", route.SubDomain, "artifact_ref", route.ArtifactRef, "error", err)
		http.Error(w, "invalid upstream", http.StatusBadGateway)
		return
	}
	proxy.ServeHTTP(w, req)
}

func (p *Proxy) proxyFor(artifactRef string) (*httputil.ReverseProxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proxy, ok := p.proxies[artifactRef]; ok {
		return proxy, nil
	}
	target, err := url.Parse(artifactRef)
	if err != nil {
		return nil, err
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			p.logger.Warn("upstream unavailable", "host", req.Host, "artifact_ref", artifactRef, "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	p.proxies[artifactRef] = proxy
	return proxy, nil
}
