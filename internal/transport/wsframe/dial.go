package wsframe

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/logging"
)

type DialConfig struct {
	// URL is the ws:// or wss:// endpoint of the parent.
	URL string
	// Origin is sent as the Origin header and stamped on outgoing frames.
	Origin   string
	Attempts int
	Backoff  BackoffConfig
	Logger   zerolog.Logger
}

func DefaultDialConfig(rawURL, origin string) DialConfig {
	return DialConfig{
		URL:      rawURL,
		Origin:   origin,
		Attempts: 5,
		Backoff:  DefaultBackoff(),
		Logger:   logging.Component("wsframe"),
	}
}

// Dial connects to the parent, retrying with backoff until Attempts are
// spent or ctx ends. Every failed attempt is part of the returned error.
// The caller starts the returned Conn once its listeners are attached.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	_, local, err := channel.ParseOrigin(cfg.Origin)
	if err != nil {
		return nil, err
	}
	remote, err := PeerOrigin(cfg.URL)
	if err != nil {
		return nil, err
	}
	attempts := max(cfg.Attempts, 1)
	header := http.Header{"Origin": []string{local}}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var errs error
	for attempt := 1; attempt <= attempts; attempt++ {
		ws, resp, dialErr := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if dialErr == nil {
			cfg.Logger.Info().Str("url", cfg.URL).Int("attempt", attempt).Msg("connected to parent")
			return newConn(ws, local, remote, cfg.Logger), nil
		}
		errs = multierr.Append(errs, fmt.Errorf("attempt %d: %w", attempt, dialErr))
		if attempt == attempts {
			break
		}
		delay := NextDelay(cfg.Backoff, attempt, rng)
		cfg.Logger.Warn().Err(dialErr).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial failed")
		select {
		case <-ctx.Done():
			return nil, multierr.Append(errs, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("wsframe: dial %s: %w", cfg.URL, errs)
}

// PeerOrigin maps a websocket endpoint to the page origin it belongs to:
// ws becomes http and wss becomes https.
func PeerOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", channel.ErrInvalidURL, err)
	}
	page := *u
	switch u.Scheme {
	case "ws":
		page.Scheme = "http"
	case "wss":
		page.Scheme = "https"
	}
	_, origin, err := channel.ParseOrigin(page.String())
	return origin, err
}
