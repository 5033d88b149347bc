package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick", func(c *Config) { c.Engine.TickMS = 0 }},
		{"guard too fast", func(c *Config) { c.Engine.GuardPeriodMS = 10 }},
		{"guard too slow", func(c *Config) { c.Engine.GuardPeriodMS = 500 }},
		{"tiny cells", func(c *Config) { c.Engine.VideoCells = 1 }},
		{"audio buffer", func(c *Config) { c.Engine.AudioBufSz = 300000 }},
		{"vbuf count", func(c *Config) { c.Engine.VideoBufCnt = 5 }},
		{"abuf count", func(c *Config) { c.Engine.AudioBufCnt = 17 }},
		{"fairness", func(c *Config) { c.Engine.Fairness = 1.5 }},
		{"channels", func(c *Config) { c.Audio.Channels = 3 }},
		{"backend", func(c *Config) { c.Audio.Backend = "pulse" }},
		{"database", func(c *Config) { c.Paths.Database = " " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GAME_ABUFC", "4")
	t.Setenv("GAME_VBUFC", "2")
	t.Setenv("GAME_ABUFSZ", "8192")
	t.Setenv("ARCAN_FRAMESERVER_DEBUGSTALL", "1")
	t.Setenv("ARCAN_VIDEO_NO_FDPASS", "1")
	t.Setenv("ARCAN_LIBRETRO_SYSPATH", "/opt/sys")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 4, cfg.Engine.AudioBufCnt)
	assert.Equal(t, 2, cfg.Engine.VideoBufCnt)
	assert.Equal(t, 8192, cfg.Engine.AudioBufSz)
	assert.True(t, cfg.Debug.Stall)
	assert.True(t, cfg.Debug.NoFDPass)
	assert.Equal(t, "/opt/sys", cfg.Paths.SystemPath)
}

func TestApplyEnvIgnoresOutOfRange(t *testing.T) {
	t.Setenv("GAME_ABUFC", "99")
	t.Setenv("GAME_VBUFC", "junk")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, Default().Engine.AudioBufCnt, cfg.Engine.AudioBufCnt)
	assert.Equal(t, Default().Engine.VideoBufCnt, cfg.Engine.VideoBufCnt)
}

func TestEnsureRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcan.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	// partial files keep defaults for missing fields
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"engine":{"tick_ms":40}}`), 0o644))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 40, loaded.Engine.TickMS)
	assert.Equal(t, Default().Engine.VideoCells, loaded.Engine.VideoCells)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Engine.TickMS = -1
	assert.Error(t, Save(filepath.Join(t.TempDir(), "x.json"), cfg))
}
