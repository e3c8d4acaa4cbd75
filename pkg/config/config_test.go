package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGettersFallBack(t *testing.T) {
	t.Setenv("DUMCEL_TEST_INT", "not-a-number")
	t.Setenv("DUMCEL_TEST_BOOL", " true ")
	t.Setenv("DUMCEL_TEST_EMPTY", "")

	require.Equal(t, 7, GetInt("DUMCEL_TEST_INT", 7))
	require.True(t, GetBool("DUMCEL_TEST_BOOL", false))
	require.Equal(t, "", GetString("DUMCEL_TEST_EMPTY", "fallback"))
	require.Equal(t, "fallback", GetString("DUMCEL_TEST_UNSET", "fallback"))
	require.Equal(t, 3*time.Second, GetSeconds("DUMCEL_TEST_UNSET", 3))
}

func TestLoadBuilderConfigDefaults(t *testing.T) {
	t.Setenv("BUILDER_CONCURRENCY", "4")
	cfg := LoadBuilderConfig()
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, 1, cfg.CloneDepth)
	require.Equal(t, 24*time.Hour, cfg.WorkspaceMaxAge)
}

func TestLoadAPIConfigStaleBuildDefaults(t *testing.T) {
	cfg := LoadAPIConfig()
	require.Equal(t, 45*time.Minute, cfg.StaleBuildAfter)
	require.Equal(t, time.Minute, cfg.ReapInterval)

	builder := LoadBuilderConfig()
	steps := builder.CloneTimeout + builder.InstallTimeout + builder.BuildTimeout + builder.PublishTimeout
	require.Greater(t, cfg.StaleBuildAfter, steps)
}
