package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "embed":
		return embedTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `name = "linkctl-host"
addr = ":9300"
origin = "http://localhost:9300"
link_path = "/link"
allowed_origins = ["http://localhost:9400"]
cors_origins = ["http://localhost:3000"]

# runtime overrides, all optional
# version = "v1.0.0"
# log_level = "debug"
`

const embedTemplate = `id = "linkctl-embed"
origin = "http://localhost:9400"
parent_url = "http://localhost:9300/app"
link_url = "ws://localhost:9300/link"
attempts = 5

# runtime overrides, all optional
# version = "v1.0.0"
# log_level = "debug"
# backoff_initial = "250ms"
# backoff_max = "5s"
`
