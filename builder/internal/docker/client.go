package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

var errNoEngine = errors.New("docker engine client not initialized")

// Client is the builder's handle on the Docker engine. It builds deployment
// images and manages the containers that serve them.
type Client struct {
	engine *client.Client
}

// Daemon summarizes the engine the builder is attached to.
type Daemon struct {
	APIVersion    string
	ServerVersion string
	OS            string
	Arch          string
}

// New connects using DOCKER_* environment settings. A non-empty host
// overrides DOCKER_HOST.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	engine, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: connect: %w", err)
	}
	return &Client{engine: engine}, nil
}

// Ping is the builder's health check for the engine.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.engine == nil {
		return errNoEngine
	}
	if _, err := c.engine.Ping(ctx); err != nil {
		return fmt.Errorf("docker: ping: %w", err)
	}
	return nil
}

// Describe reports the engine version and platform.
func (c *Client) Describe(ctx context.Context) (Daemon, error) {
	if c == nil || c.engine == nil {
		return Daemon{}, errNoEngine
	}
	v, err := c.engine.ServerVersion(ctx)
	if err != nil {
		return Daemon{}, fmt.Errorf("docker: version: %w", err)
	}
	return Daemon{APIVersion: v.APIVersion, ServerVersion: v.Version, OS: v.Os, Arch: v.Arch}, nil
}

func (c *Client) Close() error {
	if c == nil || c.engine == nil {
		return nil
	}
	return c.engine.Close()
}
