package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
)

type Config struct {
	Token         string
	GuildID       string
	DatabasePath  string
	Silent        bool
	YoutubePrefix string
	YTMusicPrefix string

	ParkingChannelID  snowflake.ID
	AnnounceChannelID snowflake.ID
	PanelChannelID    snowflake.ID
	DJRoleID          snowflake.ID
	PanelQueueLimit   int
	ResolveTimeout    time.Duration
	ReapInterval      time.Duration
	StaleAfter        time.Duration
	IdleDisconnect    time.Duration
}

const (
	minResolveTimeout = 8 * time.Second
	maxResolveTimeout = 15 * time.Second
)

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := configFromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func configFromEnv(getenv func(string) string) (*Config, error) {
	dbPath := getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(getenv("SILENT"))

	cfg := &Config{
		Token:         getenv("DISCORD_TOKEN"),
		GuildID:       getenv("GUILD_ID"),
		DatabasePath:  dbPath,
		Silent:        silent,
		YoutubePrefix: orDefault(getenv("VOICE_YT_PREFIX"), "[YT]"),
		YTMusicPrefix: orDefault(getenv("VOICE_YTM_PREFIX"), "[YTM]"),
	}

	var err error
	if cfg.ParkingChannelID, err = optionalSnowflake(getenv, "MUSIC_PARKING_CHANNEL_ID"); err != nil {
		return nil, err
	}
	if cfg.AnnounceChannelID, err = optionalSnowflake(getenv, "MUSIC_ANNOUNCE_CHANNEL_ID"); err != nil {
		return nil, err
	}
	if cfg.PanelChannelID, err = optionalSnowflake(getenv, "MUSIC_PANEL_CHANNEL_ID"); err != nil {
		return nil, err
	}
	if cfg.DJRoleID, err = optionalSnowflake(getenv, "MUSIC_DJ_ROLE_ID"); err != nil {
		return nil, err
	}

	cfg.PanelQueueLimit = 5
	if v := getenv("MUSIC_PANEL_QUEUE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf(MsgConfigInvalidValue, "MUSIC_PANEL_QUEUE_LIMIT", v)
		}
		cfg.PanelQueueLimit = n
	}

	durations := []struct {
		key  string
		dst  *time.Duration
		fall time.Duration
	}{
		{"MUSIC_RESOLVE_TIMEOUT", &cfg.ResolveTimeout, 12 * time.Second},
		{"MUSIC_REAP_INTERVAL", &cfg.ReapInterval, 5 * time.Minute},
		{"MUSIC_STALE_AFTER", &cfg.StaleAfter, 30 * time.Minute},
		{"MUSIC_IDLE_DISCONNECT", &cfg.IdleDisconnect, 30 * time.Second},
	}
	for _, d := range durations {
		*d.dst = d.fall
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf(MsgConfigInvalidValue, d.key, err)
		}
		*d.dst = parsed
	}

	if clamped := min(max(cfg.ResolveTimeout, minResolveTimeout), maxResolveTimeout); clamped != cfg.ResolveTimeout {
		LogWarn(MsgConfigClamped, "MUSIC_RESOLVE_TIMEOUT", cfg.ResolveTimeout, clamped)
		cfg.ResolveTimeout = clamped
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuild)
	}
	if c.ReapInterval <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf(MsgConfigInvalidValue, "reaper timing", "durations must be positive")
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = strings.TrimSuffix(filepath.Base(exePath), ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") || strings.HasSuffix(projectName, ".test") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func optionalSnowflake(getenv func(string) string, key string) (snowflake.ID, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return 0, nil
	}
	id, err := snowflake.Parse(v)
	if err != nil {
		return 0, fmt.Errorf(MsgConfigInvalidValue, key, err)
	}
	return id, nil
}
