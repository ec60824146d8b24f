package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/transport/wsframe"
)

// HostConfig describes the parent side: the page that embeds frames and
// accepts their links.
type HostConfig struct {
	Name           string   `toml:"name"`
	Addr           string   `toml:"addr"`
	Origin         string   `toml:"origin"`
	LinkPath       string   `toml:"link_path"`
	AllowedOrigins []string `toml:"allowed_origins"`
	CorsOrigins    []string `toml:"cors_origins"`
}

// EmbedConfig describes the child side: the frame that dials its parent.
type EmbedConfig struct {
	ID        string `toml:"id"`
	Origin    string `toml:"origin"`
	ParentURL string `toml:"parent_url"`
	LinkURL   string `toml:"link_url"`
	Attempts  int    `toml:"attempts"`
}

func LoadHostConfig(path string) (HostConfig, error) {
	var cfg HostConfig
	if err := loadToml(path, &cfg); err != nil {
		return HostConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "linkctl-host"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9300"
	}
	if cfg.LinkPath == "" {
		cfg.LinkPath = "/link"
	}
	if err := ValidateHostConfig(cfg); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func LoadEmbedConfig(path string) (EmbedConfig, error) {
	var cfg EmbedConfig
	if err := loadToml(path, &cfg); err != nil {
		return EmbedConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "linkctl-embed"
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if err := ValidateEmbedConfig(cfg); err != nil {
		return EmbedConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateHostConfig(cfg HostConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("host config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("host config missing addr")
	}
	if _, _, err := channel.ParseOrigin(cfg.Origin); err != nil {
		return fmt.Errorf("host config origin: %w", err)
	}
	if !strings.HasPrefix(cfg.LinkPath, "/") {
		return fmt.Errorf("host config link_path must start with /")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("host config allowed_origins must list at least one origin")
	}
	for i, origin := range cfg.AllowedOrigins {
		if _, _, err := channel.ParseOrigin(origin); err != nil {
			return fmt.Errorf("allowed_origins[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateEmbedConfig(cfg EmbedConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("embed config missing id")
	}
	if _, _, err := channel.ParseOrigin(cfg.Origin); err != nil {
		return fmt.Errorf("embed config origin: %w", err)
	}
	_, parent, err := channel.ParseOrigin(cfg.ParentURL)
	if err != nil {
		return fmt.Errorf("embed config parent_url: %w", err)
	}
	link := strings.TrimSpace(cfg.LinkURL)
	if !strings.HasPrefix(link, "ws://") && !strings.HasPrefix(link, "wss://") {
		return fmt.Errorf("embed config link_url must be ws:// or wss://")
	}
	// frames are stamped with the endpoint's origin, so the page must share it
	peer, err := wsframe.PeerOrigin(link)
	if err != nil {
		return fmt.Errorf("embed config link_url: %w", err)
	}
	if peer != parent {
		return fmt.Errorf("embed config parent_url origin %s does not match link_url origin %s", parent, peer)
	}
	if cfg.Attempts < 0 {
		return fmt.Errorf("embed config attempts must not be negative")
	}
	return nil
}
