// Package host is the parent side run as a service: an HTTP server that
// accepts websocket links from embedded frames and gives each one its own
// link.Link.
package host

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/link"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/observability"
	"github.com/danmuck/framelink/internal/transport/wsframe"
)

var ErrSetup = errors.New("host: link setup failed")

type Config struct {
	Name           string
	Addr           string
	Origin         string
	LinkPath       string
	AllowedOrigins []string
	CorsOrigins    []string
	// Link is the template for every accepted link. Role and AutoConnect
	// are forced to parent and false: the frame starts the handshake.
	Link link.Options
	// Setup runs on every new link before any frame is read from it.
	Setup  func(*link.Link) error
	Logger zerolog.Logger
}

func DefaultConfig(origin string) Config {
	return Config{
		Name:     "linkctl-host",
		Addr:     ":9300",
		Origin:   origin,
		LinkPath: "/link",
		Logger:   logging.Component("host"),
	}
}

// Peer is the public view of one attached frame.
type Peer struct {
	ID            string    `json:"id"`
	Origin        string    `json:"origin"`
	Appeared      time.Time `json:"appeared"`
	Connected     bool      `json:"connected"`
	InSync        bool      `json:"in_sync"`
	RemoteModules []string  `json:"remote_modules"`
	StoreKeys     int       `json:"store_keys"`
}

type attached struct {
	link     *link.Link
	conn     *wsframe.Conn
	appeared time.Time
}

type Host struct {
	cfg      Config
	router   *gin.Engine
	appeared time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	peers   map[uuid.UUID]*attached
	closing bool
	wg      sync.WaitGroup
}

func New(cfg Config) (*Host, error) {
	observability.RegisterMetrics()
	h := &Host{
		cfg:      cfg,
		appeared: time.Now(),
		log:      cfg.Logger,
		peers:    make(map[uuid.UUID]*attached),
	}

	accept, err := wsframe.Handler(wsframe.ServerConfig{
		Origin:         cfg.Origin,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         cfg.Logger,
	}, h.attach)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(cfg.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	h.router = r
	h.registerRoutes(accept)
	return h, nil
}

func (h *Host) Router() *gin.Engine {
	return h.router
}

func (h *Host) registerRoutes(accept gin.HandlerFunc) {
	h.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(h.appeared).String(),
			"service": h.cfg.Name,
			"version": channel.Version,
		})
	})
	h.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready": true,
			"peers": len(h.Peers()),
		})
	})
	h.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": h.Peers()})
	})
	h.router.GET(h.cfg.LinkPath, accept)
}

func (h *Host) attach(conn *wsframe.Conn) {
	opts := h.cfg.Link
	opts.Role = channel.RoleParent
	opts.AutoConnect = false
	l, err := link.New(conn, conn, conn.RemoteOrigin(), opts)
	if err == nil && h.cfg.Setup != nil {
		if setupErr := h.cfg.Setup(l); setupErr != nil {
			err = multierr.Append(errors.Join(ErrSetup, setupErr), l.Close())
		}
	}
	if err != nil {
		h.log.Error().Err(err).Str("origin", conn.RemoteOrigin()).Msg("link refused")
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		if err := multierr.Combine(l.Close(), conn.Close()); err != nil {
			h.log.Debug().Err(err).Str("link_id", l.ID.String()).Msg("late link closed")
		}
		return
	}
	h.peers[l.ID] = &attached{link: l, conn: conn, appeared: time.Now()}
	count := len(h.peers)
	h.wg.Add(1)
	h.mu.Unlock()
	observability.SetHostPeers(h.cfg.Name, count)

	go h.watch(l.ID)
}

// watch detaches a peer once its socket is gone.
func (h *Host) watch(id uuid.UUID) {
	defer h.wg.Done()
	h.mu.Lock()
	peer := h.peers[id]
	h.mu.Unlock()

	<-peer.conn.Done()
	if err := peer.conn.Err(); err != nil {
		h.log.Warn().Err(err).Str("link_id", id.String()).Msg("link dropped")
	}
	// the socket is gone, so the peer cannot hear a FIN
	if err := multierr.Combine(peer.link.Drop(), peer.conn.Close()); err != nil {
		h.log.Debug().Err(err).Str("link_id", id.String()).Msg("link teardown")
	}

	h.mu.Lock()
	delete(h.peers, id)
	count := len(h.peers)
	h.mu.Unlock()
	observability.SetHostPeers(h.cfg.Name, count)
}

// Peers lists attached frames, oldest first.
func (h *Host) Peers() []Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Peer, 0, len(h.peers))
	for id, p := range h.peers {
		_, remote := p.link.ModuleSync.Loaded()
		out = append(out, Peer{
			ID:            id.String(),
			Origin:        p.conn.RemoteOrigin(),
			Appeared:      p.appeared,
			Connected:     p.link.Channel.IsConnected(),
			InSync:        p.link.ModuleSync.InSync(),
			RemoteModules: remote,
			StoreKeys:     len(p.link.Store.GetAll()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Appeared.Before(out[j].Appeared) })
	return out
}

// Link returns the link of an attached peer.
func (h *Host) Link(id string) (*link.Link, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[parsed]
	if !ok {
		return nil, false
	}
	return p.link, true
}

// Serve listens on Addr until ctx ends, then shuts the server down and
// closes every link.
func (h *Host) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		h.log.Info().Str("addr", h.cfg.Addr).Str("origin", h.cfg.Origin).Msg("host listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return multierr.Append(err, h.Close())
		}
		return h.Close()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return multierr.Combine(srv.Shutdown(shutdownCtx), h.Close())
}

// Close closes every attached socket and waits until their links are torn
// down. Later connections are refused.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*wsframe.Conn, 0, len(h.peers))
	for _, p := range h.peers {
		conns = append(conns, p.conn)
	}
	h.mu.Unlock()

	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}
	h.wg.Wait()
	return err
}
