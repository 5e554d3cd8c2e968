package intake

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jubee/internal/clock"
	"jubee/internal/domain"
	"jubee/internal/graph"
)

type ManagerConfig struct {
	Graphs     map[string]*graph.Graph
	Generators map[string]Generator
	Clock      clock.Clock
	Notifier   Notifier
	Logger     zerolog.Logger

	RevealInterval    time.Duration
	ThinkingDelay     time.Duration
	GenerationTimeout time.Duration
}

// Manager owns the live sessions of a host process.
type Manager struct {
	cfg      ManagerConfig
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	return &Manager{cfg: cfg, sessions: map[string]*Session{}}
}

// Tools returns the configured graphs ordered by name.
func (m *Manager) Tools() []*graph.Graph {
	out := make([]*graph.Graph, 0, len(m.cfg.Graphs))
	for _, g := range m.cfg.Graphs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *Manager) Tool(name string) (*graph.Graph, bool) {
	g, ok := m.cfg.Graphs[name]
	return g, ok
}

func (m *Manager) options(tool, owner string, seed domain.Fields) (Options, error) {
	g, ok := m.cfg.Graphs[tool]
	if !ok {
		return Options{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	gen, ok := m.cfg.Generators[tool]
	if !ok {
		return Options{}, fmt.Errorf("no generator configured for tool %s", tool)
	}
	return Options{
		Owner:             owner,
		Graph:             g,
		Generator:         gen,
		Clock:             m.cfg.Clock,
		Notifier:          m.cfg.Notifier,
		Logger:            m.cfg.Logger,
		Seed:              seed,
		RevealInterval:    m.cfg.RevealInterval,
		ThinkingDelay:     m.cfg.ThinkingDelay,
		GenerationTimeout: m.cfg.GenerationTimeout,
	}, nil
}

// Create starts a new session for tool.
func (m *Manager) Create(tool, owner string, seed domain.Fields) (*Session, error) {
	opts, err := m.options(tool, owner, seed)
	if err != nil {
		return nil, err
	}
	opts.ID = uuid.NewString()
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.cfg.Logger.Info().Str("session_id", s.ID()).Str("tool", tool).Str("owner", owner).Msg("session created")
	return s, nil
}

// Restore registers a session rebuilt from persisted state, replacing any
// live session with the same id. An interrupted generation restarts after
// registration.
func (m *Manager) Restore(state State) (*Session, error) {
	opts, err := m.options(state.Tool, state.Owner, state.Seed)
	if err != nil {
		return nil, err
	}
	s, err := restore(opts, state)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if old, ok := m.sessions[s.ID()]; ok {
		old.Close()
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	// Generation starts only once Get can find the session, so completion
	// notifications always resolve.
	s.resume()
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].created.Before(out[j].created)
	})
	return out
}

// Remove closes and forgets a session.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// Close closes every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
