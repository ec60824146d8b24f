package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/config"
	"github.com/danmuck/framelink/internal/event"
	"github.com/danmuck/framelink/internal/host"
	"github.com/danmuck/framelink/internal/link"
	"github.com/danmuck/framelink/internal/observability"
	"github.com/danmuck/framelink/internal/rpc"
	"github.com/danmuck/framelink/internal/store"
	"github.com/danmuck/framelink/internal/transport/wsframe"
)

const usage = `usage: linkctl <command> [flags]

commands:
  host    serve the parent side and accept frame links
  embed   dial a host as the embedded side
  config  write or validate a config template
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "host":
		err = runHost(ctx, os.Args[2:])
	case "embed":
		err = runEmbed(ctx, os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
}

func linkOptions(rt runtimeConfig, role channel.Role) link.Options {
	opts := link.DefaultOptions(role)
	opts.Version = rt.Version
	storeCfg := rt.storeConfig()
	opts.Store = &storeCfg
	eventCfg := event.DefaultConfig()
	eventCfg.Separator = rt.EventSeparator
	opts.Event = &eventCfg
	return opts
}

func applyLogLevel(rt runtimeConfig) {
	if rt.HasLogLevel {
		zerolog.SetGlobalLevel(rt.LogLevel)
	}
}

func runHost(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	path := fs.String("config", "cmd/linkctl/host.toml", "host config path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	observability.InitLogger("linkctl", "host")
	cfg, err := config.LoadHostConfig(*path)
	if err != nil {
		return err
	}
	rt, err := loadRuntimeConfig(*path)
	if err != nil {
		return err
	}
	applyLogLevel(rt)
	log.Info().Str("path", *path).Msg("loaded host config")

	hostCfg := host.DefaultConfig(cfg.Origin)
	hostCfg.Name = cfg.Name
	hostCfg.Addr = cfg.Addr
	hostCfg.LinkPath = cfg.LinkPath
	hostCfg.AllowedOrigins = cfg.AllowedOrigins
	hostCfg.CorsOrigins = cfg.CorsOrigins
	hostCfg.Link = linkOptions(rt, channel.RoleParent)
	hostCfg.Setup = hostQueries(cfg.Name)

	h, err := host.New(hostCfg)
	if err != nil {
		return err
	}
	return h.Serve(ctx)
}

// hostQueries registers what every attached frame may call.
func hostQueries(name string) func(*link.Link) error {
	return func(l *link.Link) error {
		if err := l.Query.Register("ping", func(...any) *rpc.Promise {
			return rpc.Resolve("pong")
		}); err != nil {
			return err
		}
		if err := l.Query.Register("time", func(...any) *rpc.Promise {
			return rpc.Resolve(time.Now())
		}); err != nil {
			return err
		}
		l.Event.On(event.Wildcard, func(ev event.Event) {
			if ev.Direction == event.External {
				log.Info().Str("host", name).Str("link_id", l.ID.String()).Str("event", ev.Name).Msg("frame event")
			}
		})
		return l.Query.Register("echo", func(args ...any) *rpc.Promise {
			return rpc.Resolve(args)
		})
	}
}

func runEmbed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	path := fs.String("config", "cmd/linkctl/embed.toml", "embed config path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	observability.InitLogger("linkctl", "embed")
	cfg, err := config.LoadEmbedConfig(*path)
	if err != nil {
		return err
	}
	rt, err := loadRuntimeConfig(*path)
	if err != nil {
		return err
	}
	applyLogLevel(rt)

	dialCfg := wsframe.DefaultDialConfig(cfg.LinkURL, cfg.Origin)
	dialCfg.Attempts = cfg.Attempts
	dialCfg.Backoff = rt.Backoff
	conn, err := wsframe.Dial(ctx, dialCfg)
	if err != nil {
		return err
	}

	l, err := link.New(conn, conn, cfg.ParentURL, linkOptions(rt, channel.RoleChild))
	if err != nil {
		return fmt.Errorf("embed link: %w", err)
	}
	if err := l.Query.Register("whoami", func(...any) *rpc.Promise {
		return rpc.Resolve(cfg.ID)
	}); err != nil {
		return err
	}
	l.Store.On("theme", func(c store.Change) {
		log.Info().Str("direction", string(c.Direction)).Interface("value", c.Value).Msg("theme changed")
	})
	conn.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return greet(gctx, l, cfg.ID)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return fmt.Errorf("link dropped: %w", err)
			}
		}
		return nil
	})
	err = g.Wait()
	return multierr.Combine(err, l.Close(), conn.Close())
}

// greet pings the host once connected and publishes the frame id.
func greet(ctx context.Context, l *link.Link, id string) error {
	answer, err := rpc.AwaitAs[string](ctx, l.Query.Call("ping"))
	if err != nil {
		return fmt.Errorf("ping host: %w", err)
	}
	log.Info().Str("answer", answer).Msg("host answered")
	if err := l.Store.Set("embed:"+id, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return l.Event.Emit("embed:ready", id)
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	kind := fs.String("kind", "host", "config kind: host|embed")
	output := fs.String("output", "", "output path for config template")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.String("input", "", "config path for validation (defaults to cmd/linkctl/<kind>.toml)")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	defaultPath := fmt.Sprintf("cmd/linkctl/%s.toml", *kind)
	if *validate {
		target := *input
		if target == "" {
			target = defaultPath
		}
		var err error
		switch *kind {
		case "host":
			_, err = config.LoadHostConfig(target)
		case "embed":
			_, err = config.LoadEmbedConfig(target)
		default:
			return fmt.Errorf("unknown kind: %s", *kind)
		}
		if err == nil {
			_, err = loadRuntimeConfig(target)
		}
		if err != nil {
			return err
		}
		fmt.Printf("validated %s config at %s\n", *kind, target)
		return nil
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		return err
	}
	fmt.Printf("wrote %s config template to %s\n", *kind, target)
	return nil
}
