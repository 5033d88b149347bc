// Package config holds the engine configuration record: one JSON file,
// defaults for every field, and the small set of environment overrides the
// frameserver transport honors.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Engine Engine `json:"engine"`
	Audio  Audio  `json:"audio"`
	Paths  Paths  `json:"paths"`
	Debug  Debug  `json:"debug"`
}

type Engine struct {
	// TickMS is the compositor tick interval.
	TickMS int `json:"tick_ms"`

	// GuardPeriodMS is how often each guard thread re-verifies its
	// source. Must stay within 25..100 so blocked waiters wake promptly
	// after a teardown.
	GuardPeriodMS int `json:"guard_period_ms"`

	// RespawnGraceMS is the minimum uptime before a crashed looping
	// source is relaunched.
	RespawnGraceMS int `json:"respawn_grace_ms"`

	VideoCells  int `json:"video_cells"`
	AudioCells  int `json:"audio_cells"`
	AudioBufSz  int `json:"audio_buf_size"`
	VideoBufCnt int `json:"video_buf_count"`
	AudioBufCnt int `json:"audio_buf_count"`
	Presilence  int `json:"presilence"`

	// VSkipThreshMS is the PTS window outside which queued frames are
	// dropped instead of presented.
	VSkipThreshMS int `json:"vskip_thresh_ms"`

	PrewakeMS int `json:"prewake_ms"`

	// Fairness bounds the share of a source's event ring transferred to
	// the main bus per tick.
	Fairness float64 `json:"fairness"`
}

type Audio struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Backend    string `json:"backend"` // "oto" or "headless"
}

type Paths struct {
	Database   string `json:"database"`
	Scripts    string `json:"scripts"`
	SystemPath string `json:"system_path"`
	FrameSrv   string `json:"frameserver"`
}

type Debug struct {
	// Stall disables the timing reset on large clock deviation, the
	// ARCAN_FRAMESERVER_DEBUGSTALL behavior.
	Stall bool `json:"stall"`

	// NoFDPass disables the GPU handle side channel.
	NoFDPass bool `json:"no_fdpass"`

	LogLevel string `json:"log_level"`
}

func Default() Config {
	return Config{
		Engine: Engine{
			TickMS:         25,
			GuardPeriodMS:  50,
			RespawnGraceMS: 1000,
			VideoCells:     8,
			AudioCells:     12,
			AudioBufSz:     65535,
			VideoBufCnt:    1,
			AudioBufCnt:    8,
			Presilence:     1,
			VSkipThreshMS:  60,
			PrewakeMS:      10,
			Fairness:       0.5,
		},
		Audio: Audio{
			SampleRate: 48000,
			Channels:   2,
			Backend:    "headless",
		},
		Paths: Paths{
			Database: "data",
			Scripts:  "scripts",
			FrameSrv: "arcan-frameserver",
		},
		Debug: Debug{
			LogLevel: "info",
		},
	}
}

func (c *Config) Validate() error {
	if c.Engine.TickMS <= 0 {
		return errors.New("engine.tick_ms must be > 0")
	}
	if c.Engine.GuardPeriodMS < 25 || c.Engine.GuardPeriodMS > 100 {
		return errors.New("engine.guard_period_ms must be 25..100")
	}
	if c.Engine.VideoCells < 2 || c.Engine.AudioCells < 2 {
		return errors.New("engine cell counts must be >= 2")
	}
	if c.Engine.AudioBufSz <= 0 || c.Engine.AudioBufSz > 288000 {
		return errors.New("engine.audio_buf_size must be 1..288000")
	}
	if c.Engine.VideoBufCnt < 1 || c.Engine.VideoBufCnt > 4 {
		return errors.New("engine.video_buf_count must be 1..4")
	}
	if c.Engine.AudioBufCnt < 1 || c.Engine.AudioBufCnt > 16 {
		return errors.New("engine.audio_buf_count must be 1..16")
	}
	if c.Engine.VSkipThreshMS <= 0 {
		return errors.New("engine.vskip_thresh_ms must be > 0")
	}
	if c.Engine.Fairness <= 0 || c.Engine.Fairness > 1 {
		return errors.New("engine.fairness must be in (0,1]")
	}
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return errors.New("audio.channels must be 1 or 2")
	}
	switch c.Audio.Backend {
	case "oto", "headless":
	default:
		return errors.New("audio.backend must be oto or headless")
	}
	if strings.TrimSpace(c.Paths.Database) == "" {
		return errors.New("paths.database is required")
	}
	return nil
}

// ApplyEnv folds the documented environment overrides into the record.
// Out-of-range values are ignored rather than clamped.
func (c *Config) ApplyEnv() {
	if v, ok := envInt("GAME_ABUFC", 1, 16); ok {
		c.Engine.AudioBufCnt = v
	}
	if v, ok := envInt("GAME_VBUFC", 1, 4); ok {
		c.Engine.VideoBufCnt = v
	}
	if v, ok := envInt("GAME_ABUFSZ", 1, 288000); ok {
		c.Engine.AudioBufSz = v
	}
	if os.Getenv("ARCAN_FRAMESERVER_DEBUGSTALL") != "" {
		c.Debug.Stall = true
	}
	if os.Getenv("ARCAN_VIDEO_NO_FDPASS") != "" {
		c.Debug.NoFDPass = true
	}
	if v := os.Getenv("ARCAN_LIBRETRO_SYSPATH"); v != "" {
		c.Paths.SystemPath = v
	}
}

func envInt(key string, lo, hi int) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, false
	}
	return v, true
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Ensure loads the config if it exists; otherwise creates a default file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
