// Package store is a flat key-value map replicated between the two peers.
//
// Writes are last-writer-wins. On every (re)connection each side broadcasts
// a snapshot and reconciles the peer's against its own: missing keys are
// adopted, conflicting keys go through the merge function when one is set.
// Without one the child's value wins: the parent adopts it and the child
// keeps its own.
package store

import (
	"maps"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/emitter"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/modules"
	"github.com/danmuck/framelink/internal/observability"
)

const (
	WireSet  = "<=> store"
	WireBulk = "<=> bulkStore"
	WireSync = "<=> syncStore"
)

type Direction string

const (
	Internal Direction = "internal"
	External Direction = "external"
)

// Change is delivered to key listeners.
type Change struct {
	Key       string
	Value     any
	Direction Direction
}

// MergeFunc resolves a conflicting key during reconciliation.
type MergeFunc func(key string, local, remote any) any

type Config struct {
	Merge  MergeFunc
	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{Logger: logging.Component("store")}
}

type Store struct {
	ch    *channel.Channel
	merge MergeFunc
	log   zerolog.Logger

	mu     sync.RWMutex
	values map[string]any

	listeners *emitter.Emitter[Change]
}

func New(ch *channel.Channel, cfg Config) *Store {
	s := &Store{
		ch:        ch,
		merge:     cfg.Merge,
		log:       cfg.Logger,
		values:    make(map[string]any),
		listeners: emitter.New[Change](),
	}
	ch.On(WireSet, s.receiveSet)
	ch.On(WireBulk, s.receiveBulk)
	ch.On(WireSync, s.receiveSync)
	ch.OnState(channel.StateConnected, s.broadcastSnapshot)
	ch.OnState(channel.StateReconnected, s.broadcastSnapshot)
	return s
}

// Module loads a store through a module registry. config may be a Config or nil.
func Module(deps modules.Deps, config any) (any, error) {
	cfg := DefaultConfig()
	if c, ok := config.(Config); ok {
		cfg = c
	}
	return New(deps.Channel, cfg), nil
}

func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetAll returns a shallow copy of the map.
func (s *Store) GetAll() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Set stores value under key, fires Internal listeners and broadcasts the
// change. Setting a scalar to the value it already holds is a no-op.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	prior, ok := s.values[key]
	if ok && sameScalar(prior, value) {
		s.mu.Unlock()
		return nil
	}
	s.values[key] = value
	s.mu.Unlock()

	err := s.ch.Send(WireSet, map[string]any{"name": key, "value": value})
	observability.RecordStoreUpdate(string(Internal), 1)
	s.listeners.Emit(key, Change{Key: key, Value: value, Direction: Internal})
	return err
}

// SetBulk applies every changed key and broadcasts them in one frame.
func (s *Store) SetBulk(values map[string]any) error {
	changed := make(map[string]any)
	s.mu.Lock()
	for key, value := range values {
		if prior, ok := s.values[key]; ok && sameScalar(prior, value) {
			continue
		}
		s.values[key] = value
		changed[key] = value
	}
	s.mu.Unlock()
	if len(changed) == 0 {
		return nil
	}

	frame := make(map[string]any, len(changed))
	for key, value := range changed {
		frame[key] = map[string]any{"value": value}
		s.listeners.Emit(key, Change{Key: key, Value: value, Direction: Internal})
	}
	observability.RecordStoreUpdate(string(Internal), len(changed))
	return s.ch.Send(WireBulk, frame)
}

func (s *Store) On(key string, fn func(Change)) emitter.ID {
	return s.listeners.On(key, fn)
}

func (s *Store) Once(key string, fn func(Change)) emitter.ID {
	return s.listeners.Once(key, fn)
}

func (s *Store) Off(key string, id emitter.ID) bool {
	return s.listeners.Off(key, id)
}

func (s *Store) receiveSet(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		s.log.Debug().Msg("malformed store frame")
		return
	}
	key, ok := m["name"].(string)
	if !ok {
		s.log.Debug().Msg("store frame without name")
		return
	}
	s.apply(key, m["value"])
	observability.RecordStoreUpdate(string(External), 1)
}

func (s *Store) receiveBulk(data any) {
	entries, ok := data.(map[string]any)
	if !ok {
		s.log.Debug().Msg("malformed bulk store frame")
		return
	}
	for key, raw := range entries {
		entry, _ := raw.(map[string]any)
		s.apply(key, entry["value"])
	}
	observability.RecordStoreUpdate(string(External), len(entries))
}

// apply overwrites key unconditionally.
func (s *Store) apply(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.listeners.Emit(key, Change{Key: key, Value: value, Direction: External})
}

func (s *Store) broadcastSnapshot() {
	s.mu.RLock()
	frame := make(map[string]any, len(s.values))
	for key, value := range s.values {
		frame[key] = map[string]any{"value": value}
	}
	s.mu.RUnlock()
	if err := s.ch.Send(WireSync, frame); err != nil {
		s.log.Error().Err(err).Msg("store snapshot not sent")
	}
}

func (s *Store) receiveSync(data any) {
	entries, ok := data.(map[string]any)
	if !ok {
		s.log.Debug().Msg("malformed store snapshot")
		return
	}
	var changes []Change
	s.mu.Lock()
	for key, raw := range entries {
		entry, _ := raw.(map[string]any)
		remote := entry["value"]
		local, exists := s.values[key]
		resolved, changed := s.reconcile(key, local, exists, remote)
		if !changed {
			continue
		}
		s.values[key] = resolved
		changes = append(changes, Change{Key: key, Value: resolved, Direction: External})
	}
	s.mu.Unlock()

	if len(changes) > 0 {
		s.log.Debug().Int("keys", len(changes)).Msg("store reconciled")
		observability.RecordStoreUpdate(string(External), len(changes))
	}
	for _, c := range changes {
		s.listeners.Emit(c.Key, c)
	}
}

func (s *Store) reconcile(key string, local any, exists bool, remote any) (any, bool) {
	if !exists {
		return remote, true
	}
	if s.equal(local, remote) {
		return local, false
	}
	if s.merge != nil {
		merged := s.merge(key, local, remote)
		return merged, !s.equal(merged, local)
	}
	if s.ch.IsParentFrame() {
		return remote, true
	}
	return local, false
}

// equal compares two values as the peer would see them, so an int and the
// float64 it arrives as are the same value.
func (s *Store) equal(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	codec := s.ch.Codec()
	at, err := codec.Stringify(a)
	if err != nil {
		return false
	}
	bt, err := codec.Stringify(b)
	if err != nil {
		return false
	}
	return at == bt
}

// sameScalar reports whether next is a non-nil scalar equal to prior.
// Numbers compare by value since anything received from the peer is held
// as float64.
func sameScalar(prior, next any) bool {
	if next == nil {
		return false
	}
	switch reflect.TypeOf(next).Kind() {
	case reflect.Bool, reflect.String:
		return prior == next
	}
	n, ok := number(next)
	if !ok {
		return false
	}
	p, ok := number(prior)
	return ok && p == n
}

func number(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
