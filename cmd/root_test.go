package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/config"
	"github.com/JakeFAU/bulletin-crawler/internal/server"
)

// These tests swap the package-level app factory and do not run in parallel.

func stubBuild(t *testing.T, fn func(context.Context, config.Config, *zap.Logger, ...server.Option) (*server.App, error)) {
	t.Helper()
	prev := buildApp
	buildApp = fn
	t.Cleanup(func() { buildApp = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlRejectsUnknownType(t *testing.T) {
	called := false
	stubBuild(t, func(context.Context, config.Config, *zap.Logger, ...server.Option) (*server.App, error) {
		called = true
		return nil, errors.New("unexpected")
	})

	_, err := execute(t, "crawl", "--type", "deep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown crawl type")
	assert.False(t, called)
}

func TestCrawlPassesResolvedConfig(t *testing.T) {
	var got config.Config
	stubBuild(t, func(_ context.Context, cfg config.Config, _ *zap.Logger, _ ...server.Option) (*server.App, error) {
		got = cfg
		return nil, errors.New("build refused")
	})

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl:\n  schedule: \"@hourly\"\n"), 0o600))

	_, err := execute(t, "crawl", "--config", path, "--type", "full_pipeline")
	require.EqualError(t, err, "build refused")
	assert.Empty(t, got.Crawl.Schedule)
	assert.True(t, got.Processing.Enabled)
}

func TestCrawlSimpleDisablesProcessing(t *testing.T) {
	var got config.Config
	stubBuild(t, func(_ context.Context, cfg config.Config, _ *zap.Logger, _ ...server.Option) (*server.App, error) {
		got = cfg
		return nil, errors.New("build refused")
	})

	_, err := execute(t, "crawl")
	require.Error(t, err)
	assert.False(t, got.Processing.Enabled)
}

func TestServePropagatesBuildError(t *testing.T) {
	stubBuild(t, func(context.Context, config.Config, *zap.Logger, ...server.Option) (*server.App, error) {
		return nil, errors.New("no storage")
	})

	_, err := execute(t, "serve")
	require.EqualError(t, err, "no storage")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestResolveWithoutPreRun(t *testing.T) {
	_, _, err := resolve(context.Background())
	require.EqualError(t, err, "configuration not loaded")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Empty(t, firstNonEmpty("", ""))
}
