// Package link assembles a channel and the standard modules into one
// handle, the way an embedding page or an embedded frame uses them.
//
// Modules are loaded before the first SYN goes out, so no handshake event
// can reach a half-built link.
package link

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/codec"
	"github.com/danmuck/framelink/internal/event"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/modsync"
	"github.com/danmuck/framelink/internal/modules"
	"github.com/danmuck/framelink/internal/plugins"
	"github.com/danmuck/framelink/internal/rpc"
	"github.com/danmuck/framelink/internal/store"
)

// Module names in the registry.
const (
	ModuleQuery      = "query"
	ModuleEvent      = "event"
	ModuleStore      = "store"
	ModulePlugin     = "plugin"
	ModuleModuleSync = "loaderUtil"
)

type Options struct {
	Role        channel.Role
	AutoConnect bool
	// Version overrides the announced version; empty means channel.Version.
	Version string
	// Codec defaults to codec.NewDefaultRegistry().
	Codec *codec.Registry

	Query  *rpc.Config
	Event  *event.Config
	Store  *store.Config
	Plugin *plugins.Config

	Logger *zerolog.Logger
}

func DefaultOptions(role channel.Role) Options {
	return Options{Role: role, AutoConnect: true}
}

type Link struct {
	ID         uuid.UUID
	Channel    *channel.Channel
	Modules    *modules.Registry
	Query      *rpc.Layer
	Event      *event.Bus
	Store      *store.Store
	Plugin     *plugins.Registry
	ModuleSync *modsync.Sync

	log zerolog.Logger
}

// New builds the channel on ctx, loads query, event, store, plugin and
// module sync, then connects when AutoConnect is set and target is known.
func New(ctx channel.Context, target channel.Target, rawURL string, opts Options) (*Link, error) {
	id := uuid.New()
	log := logging.Component("link")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	log = log.With().Str("link_id", id.String()).Logger()

	cfg := channel.DefaultConfig()
	cfg.Role = opts.Role
	cfg.AutoConnect = false
	cfg.Version = opts.Version
	cfg.Logger = log.With().Str("component", "channel").Logger()
	if opts.Codec != nil {
		cfg.Codec = opts.Codec
	}
	ch, err := channel.New(ctx, target, rawURL, cfg)
	if err != nil {
		return nil, err
	}

	l := &Link{ID: id, Channel: ch, Modules: modules.NewRegistry(ch), log: log}
	if err := l.loadModules(opts); err != nil {
		return nil, multierr.Append(err, ch.Close())
	}

	if opts.AutoConnect && target != nil {
		if _, err := ch.Connect(); err != nil {
			return nil, multierr.Append(err, ch.Close())
		}
	}
	log.Info().
		Str("role", opts.Role.String()).
		Str("peer", ch.Origin()).
		Strs("modules", l.Modules.List()).
		Msg("link ready")
	return l, nil
}

func (l *Link) loadModules(opts Options) error {
	var err error
	if l.Query, err = load[*rpc.Layer](l.Modules, ModuleQuery, rpc.Module, deref(opts.Query)); err != nil {
		return err
	}
	if l.Event, err = load[*event.Bus](l.Modules, ModuleEvent, event.Module, deref(opts.Event)); err != nil {
		return err
	}
	if l.Store, err = load[*store.Store](l.Modules, ModuleStore, store.Module, deref(opts.Store)); err != nil {
		return err
	}
	if l.Plugin, err = load[*plugins.Registry](l.Modules, ModulePlugin, plugins.Module, deref(opts.Plugin)); err != nil {
		return err
	}
	l.ModuleSync, err = load[*modsync.Sync](l.Modules, ModuleModuleSync, modsync.Module, nil)
	return err
}

func load[T any](r *modules.Registry, name string, ctor modules.Constructor, config any) (T, error) {
	if _, err := r.Load(name, ctor, config); err != nil {
		var zero T
		return zero, err
	}
	return modules.As[T](r, name)
}

// deref passes a set config by value and nil otherwise, so modules fall
// back to their defaults.
func deref[T any](cfg *T) any {
	if cfg == nil {
		return nil
	}
	return *cfg
}

func (l *Link) Codec() *codec.Registry {
	return l.Channel.Codec()
}

// Close disconnects, detaches the channel from its context and closes
// every built plugin that is an io.Closer. All errors are returned joined.
func (l *Link) Close() error {
	l.Channel.Disconnect()
	return l.teardown()
}

// Drop is Close for a link whose transport is already gone: it goes
// disconnected without sending FIN.
func (l *Link) Drop() error {
	l.Channel.Drop()
	return l.teardown()
}

func (l *Link) teardown() error {
	err := l.Channel.Close()
	for name, instance := range l.Plugin.Instances() {
		if closer, ok := instance.(io.Closer); ok {
			if closeErr := closer.Close(); closeErr != nil {
				err = multierr.Append(err, fmt.Errorf("link: close plugin %q: %w", name, closeErr))
			}
		}
	}
	if err != nil {
		l.log.Error().Err(err).Msg("link closed with errors")
	} else {
		l.log.Info().Msg("link closed")
	}
	return err
}
