package testlog

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/framelink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}

// Capture is a logger whose entries can be inspected by a test.
type Capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// Logger returns a JSON logger writing one line per entry into c.
func (c *Capture) Logger() zerolog.Logger {
	return zerolog.New(c).Level(zerolog.TraceLevel)
}

// Lines returns the captured entries, optionally filtered by level.
func (c *Capture) Lines(level string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(c.buf.String()), "\n") {
		if line == "" {
			continue
		}
		if level != "" && !strings.Contains(line, `"level":"`+level+`"`) {
			continue
		}
		out = append(out, line)
	}
	return out
}
