package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestTemplatesLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	hostPath := filepath.Join(dir, "host.toml")
	embedPath := filepath.Join(dir, "embed.toml")
	if err := WriteTemplate(hostPath, "host", false); err != nil {
		t.Fatalf("write host: %v", err)
	}
	if err := WriteTemplate(embedPath, "EMBED", false); err != nil {
		t.Fatalf("write embed: %v", err)
	}
	if err := WriteTemplate(hostPath, "host", false); err == nil {
		t.Fatalf("existing file must not be overwritten")
	}

	host, err := LoadHostConfig(hostPath)
	if err != nil {
		t.Fatalf("load host: %v", err)
	}
	want := HostConfig{
		Name:           "linkctl-host",
		Addr:           ":9300",
		Origin:         "http://localhost:9300",
		LinkPath:       "/link",
		AllowedOrigins: []string{"http://localhost:9400"},
		CorsOrigins:    []string{"http://localhost:3000"},
	}
	if diff := cmp.Diff(want, host); diff != "" {
		t.Fatalf("host config (-want +got):\n%s", diff)
	}

	embed, err := LoadEmbedConfig(embedPath)
	if err != nil {
		t.Fatalf("load embed: %v", err)
	}
	if embed.LinkURL != "ws://localhost:9300/link" || embed.Attempts != 5 {
		t.Fatalf("unexpected embed config: %+v", embed)
	}
}

func TestLoadHostConfigDefaults(t *testing.T) {
	path := writeFile(t, "host.toml", "origin = \"https://host.example\"\nallowed_origins = [\"https://embed.example\"]\n")
	cfg, err := LoadHostConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "linkctl-host" || cfg.Addr != ":9300" || cfg.LinkPath != "/link" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]struct {
		body string
		load func(string) error
		want string
	}{
		"host without origin": {
			body: `name = "h"` + "\n",
			load: func(p string) error { _, err := LoadHostConfig(p); return err },
			want: "origin",
		},
		"host bad link path": {
			body: "origin = \"http://h.test\"\nlink_path = \"link\"\nallowed_origins = [\"http://e.test\"]\n",
			load: func(p string) error { _, err := LoadHostConfig(p); return err },
			want: "link_path",
		},
		"host without allowed origins": {
			body: "origin = \"http://h.test\"\n",
			load: func(p string) error { _, err := LoadHostConfig(p); return err },
			want: "allowed_origins",
		},
		"embed http link": {
			body: "origin = \"http://e.test\"\nparent_url = \"http://h.test/app\"\nlink_url = \"http://h.test/link\"\n",
			load: func(p string) error { _, err := LoadEmbedConfig(p); return err },
			want: "ws://",
		},
		"embed origin skew": {
			body: "origin = \"http://e.test\"\nparent_url = \"http://h.test/app\"\nlink_url = \"ws://other.test/link\"\n",
			load: func(p string) error { _, err := LoadEmbedConfig(p); return err },
			want: "does not match",
		},
		"malformed toml": {
			body: "origin = \n",
			load: func(p string) error { _, err := LoadHostConfig(p); return err },
			want: "parse failed",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.load(writeFile(t, "cfg.toml", tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("unknown kind must fail")
	}
}
