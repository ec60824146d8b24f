// Package modsync tells each peer which modules the other side loaded and
// warns when the two lists differ. It is diagnostic only: nothing is
// blocked on a mismatch.
package modsync

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/modules"
)

const WireSync = "_moduleSync"

type Config struct {
	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{Logger: logging.Component("modsync")}
}

type Sync struct {
	ch       *channel.Channel
	registry *modules.Registry
	log      zerolog.Logger

	mu     sync.Mutex
	remote []string
	heard  bool
}

type syncPayload struct {
	Module []string `json:"module"`
}

func New(ch *channel.Channel, registry *modules.Registry, cfg Config) *Sync {
	s := &Sync{ch: ch, registry: registry, log: cfg.Logger}
	ch.On(WireSync, s.receive)
	for _, ev := range []channel.StateEvent{
		channel.StateConnected,
		channel.StateReconnected,
		channel.StateDisconnected,
	} {
		ch.OnState(ev, s.lifecycle(ev))
	}
	registry.OnAdd(func(string) {
		if ch.IsConnected() {
			s.announce()
		}
	})
	return s
}

// Module loads the sync through a module registry. config may be a Config or nil.
func Module(deps modules.Deps, config any) (any, error) {
	cfg := DefaultConfig()
	if c, ok := config.(Config); ok {
		cfg = c
	}
	return New(deps.Channel, deps.Registry, cfg), nil
}

func (s *Sync) lifecycle(ev channel.StateEvent) func() {
	return func() {
		s.mu.Lock()
		s.remote = nil
		s.heard = false
		s.mu.Unlock()
		if ev != channel.StateDisconnected {
			s.announce()
		}
	}
}

func (s *Sync) announce() {
	payload := syncPayload{Module: s.registry.List()}
	if err := s.ch.SendWith(WireSync, payload, channel.SendOptions{SkipDisconnected: true}); err != nil {
		s.log.Error().Err(err).Msg("module list not sent")
	}
}

func (s *Sync) receive(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		s.log.Debug().Msg("malformed module sync frame")
		return
	}
	raw, _ := m["module"].([]any)
	remote := make([]string, 0, len(raw))
	for _, v := range raw {
		if name, ok := v.(string); ok {
			remote = append(remote, name)
		}
	}

	s.mu.Lock()
	s.remote = remote
	s.heard = true
	s.mu.Unlock()

	local := s.registry.List()
	if !sameSet(local, remote) {
		s.log.Warn().
			Strs("local", local).
			Strs("remote", remote).
			Msg("module lists differ between peers")
	}
}

// Loaded returns the local module list and the last list the peer
// announced since the most recent lifecycle event.
func (s *Sync) Loaded() (local, remote []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.List(), slices.Clone(s.remote)
}

// InSync reports whether the peer announced the same set of modules.
func (s *Sync) InSync() bool {
	s.mu.Lock()
	remote, heard := s.remote, s.heard
	s.mu.Unlock()
	return heard && sameSet(s.registry.List(), remote)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
