package app

import (
	"context"
	"testing"

	"github.com/you-humble/mediaupload/uploader/internal/infra/config"
	"github.com/you-humble/mediaupload/uploader/internal/infra/scheduler"
	"github.com/you-humble/mediaupload/uploader/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, string) error { return nil }

func testDI(t *testing.T, cfg *config.Config) *dependencyInjector {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "error"
	}
	return &dependencyInjector{cfg: cfg}
}

func TestChainsFromConfig(t *testing.T) {
	di := testDI(t, &config.Config{
		Chains: []config.Chain{
			{Name: "thumb", Format: "jpg", MaxWidth: 100, MaxHeight: 100},
			{Name: "avatar", Format: "png", MinWidth: 10, MinHeight: 10, Grayscale: true},
			{Name: "convert", Format: "png"},
			{Name: "plain"},
		},
	})

	chains := di.chains()
	require.Len(t, chains, 4)
	assert.False(t, chains["convert"].IsEmpty())
	assert.False(t, chains["thumb"].IsEmpty())
	assert.False(t, chains["avatar"].IsEmpty())
	assert.True(t, chains["plain"].IsEmpty())
}

func TestEnv_ResourcesDir(t *testing.T) {
	di := testDI(t, &config.Config{ResourcesDir: t.TempDir()})
	env := di.env(context.Background())
	assert.NotNil(t, env.Resources)
	assert.Nil(t, env.Content)

	di = testDI(t, &config.Config{})
	assert.Nil(t, di.env(context.Background()).Resources)
}

func TestNewScheduler_Local(t *testing.T) {
	di := testDI(t, &config.Config{
		Device:    config.Device{Network: policy.NetworkAny},
		Scheduler: config.Scheduler{Kind: config.SchedulerLocal, Local: scheduler.LocalConfig{Workers: 1}},
	})

	s := di.newScheduler(context.Background(), nopExecutor{})
	_, ok := s.Scheduler.(*scheduler.Local)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.start(ctx))
	require.NoError(t, s.stop(context.Background()))
}
