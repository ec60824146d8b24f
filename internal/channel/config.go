package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/codec"
	"github.com/danmuck/framelink/internal/logging"
)

// Version is announced inside SYN. A mismatch is logged, never enforced.
const Version = "v1.0.0"

var (
	ErrInvalidConfig = errors.New("channel: invalid config")
	ErrInvalidURL    = errors.New("channel: invalid url")
)

// Role fixes which side of the boundary a channel lives on.
type Role int

const (
	RoleParent Role = iota
	RoleChild
)

func (r Role) String() string {
	switch r {
	case RoleParent:
		return "parent"
	case RoleChild:
		return "child"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts "parent"/"host" and "child"/"embed".
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "parent", "host":
		return RoleParent, nil
	case "child", "embed":
		return RoleChild, nil
	default:
		return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, raw)
	}
}

type Config struct {
	Role        Role
	Codec       *codec.Registry
	AutoConnect bool
	// Version overrides the announced version; empty means Version.
	Version string
	Logger  zerolog.Logger
}

// DefaultConfig returns a parent-side config with the default codec and
// auto-connect enabled.
func DefaultConfig() Config {
	return Config{
		Role:        RoleParent,
		Codec:       codec.NewDefaultRegistry(),
		AutoConnect: true,
		Version:     Version,
		Logger:      logging.Component("channel"),
	}
}

func (c Config) Validate() error {
	if c.Role != RoleParent && c.Role != RoleChild {
		return fmt.Errorf("%w: unknown role %d", ErrInvalidConfig, int(c.Role))
	}
	if c.Codec == nil {
		return fmt.Errorf("%w: missing codec", ErrInvalidConfig)
	}
	return nil
}

// ParseOrigin reduces a URL to its scheme://host[:port] origin. Default
// ports are dropped the way browsers serialize origins.
func ParseOrigin(raw string) (*url.URL, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	origin := scheme + "://" + host
	if strings.Contains(host, ":") {
		origin = scheme + "://[" + host + "]"
	}
	if port != "" {
		origin += ":" + port
	}
	return u, origin, nil
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}
