package wsframe

import (
	"errors"
	"net/http"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/logging"
)

var (
	ErrMissingOrigin   = errors.New("wsframe: request has no Origin header")
	ErrNoAllowedOrigin = errors.New("wsframe: no allowed origins configured")
)

type ServerConfig struct {
	// Origin is stamped on frames this side sends and checked by the peer.
	Origin string
	// AllowedOrigins lists embedding origins that may connect. It must not
	// be empty: the upgrade check is the only origin gate on this side.
	AllowedOrigins []string
	Logger         zerolog.Logger
}

func DefaultServerConfig(origin string) ServerConfig {
	return ServerConfig{Origin: origin, Logger: logging.Component("wsframe")}
}

// Handler upgrades GET requests and hands every accepted connection to
// accept on the request goroutine, then starts reading from it. accept must
// not block for the life of the connection.
func Handler(cfg ServerConfig, accept func(*Conn)) (gin.HandlerFunc, error) {
	_, local, err := channel.ParseOrigin(cfg.Origin)
	if err != nil {
		return nil, err
	}
	if len(cfg.AllowedOrigins) == 0 {
		return nil, ErrNoAllowedOrigin
	}
	allowed := mapset.NewSet[string]()
	for _, raw := range cfg.AllowedOrigins {
		_, origin, err := channel.ParseOrigin(raw)
		if err != nil {
			return nil, err
		}
		allowed.Add(origin)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, origin, err := channel.ParseOrigin(r.Header.Get("Origin"))
			if err != nil {
				return false
			}
			return allowed.Contains(origin)
		},
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Origin")
		if header == "" {
			cfg.Logger.Warn().Str("remote_addr", c.Request.RemoteAddr).Msg(ErrMissingOrigin.Error())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrMissingOrigin.Error()})
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// the upgrader already wrote the error response
			cfg.Logger.Warn().Err(err).Str("origin", header).Msg("websocket upgrade refused")
			return
		}
		_, remote, _ := channel.ParseOrigin(header)
		cfg.Logger.Info().Str("origin", remote).Msg("peer connected")
		conn := newConn(ws, local, remote, cfg.Logger)
		accept(conn)
		conn.Start()
	}, nil
}
