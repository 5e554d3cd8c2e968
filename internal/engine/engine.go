package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jubee/internal/clock"
	"jubee/internal/config"
	"jubee/internal/domain"
	"jubee/internal/events"
	"jubee/internal/generate"
	"jubee/internal/graph"
	"jubee/internal/intake"
	"jubee/internal/notify"
	"jubee/internal/repo"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrConfigMissing    = errors.New("config not loaded")
)

type Options struct {
	DB     *sql.DB
	Config *config.Config
	Clock  clock.Clock
	Logger zerolog.Logger
	// Bus receives every session notification. A private bus is created when nil.
	Bus *notify.Bus
	// Synchronous zeroes every delay and makes each operation wait until the
	// session settles. The CLI runs this way.
	Synchronous bool
}

// Engine hosts intake sessions: it owns the live session manager, persists
// session state after every change and records the session event log.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Bus     *notify.Bus
	Manager *intake.Manager

	clock   clock.Clock
	log     zerolog.Logger
	sync    bool
	ownsBus bool

	loadMu    sync.Mutex
	persistMu sync.Mutex
	statusMu  sync.Mutex
	statuses  map[string]domain.Status
}

func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, ErrConfigMissing
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	cfg := opts.Config
	engineCfg := cfg.Engine
	if opts.Synchronous {
		engineCfg.RevealInterval = 0
		engineCfg.ThinkingDelay = 0
		engineCfg.GenerationDelay = 0
	}
	graphs, err := cfg.Graphs()
	if err != nil {
		return nil, err
	}
	genCfg := *cfg
	genCfg.Engine = engineCfg
	gens, err := generate.FromConfig(&genCfg, opts.Clock)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		DB:       opts.DB,
		Repo:     repo.Repo{DB: opts.DB},
		Events:   events.Writer{DB: opts.DB, Now: opts.Clock.Now},
		Config:   cfg,
		Bus:      opts.Bus,
		clock:    opts.Clock,
		log:      opts.Logger,
		sync:     opts.Synchronous,
		statuses: map[string]domain.Status{},
	}
	if e.Bus == nil {
		e.Bus = notify.NewBus(opts.Logger)
		e.ownsBus = true
	}
	e.Manager = intake.NewManager(intake.ManagerConfig{
		Graphs:            graphs,
		Generators:        gens,
		Clock:             opts.Clock,
		Notifier:          intake.NotifierFunc(e.onNotify),
		Logger:            opts.Logger,
		RevealInterval:    engineCfg.RevealInterval,
		ThinkingDelay:     engineCfg.ThinkingDelay,
		GenerationTimeout: engineCfg.GenerationTimeout,
	})
	return e, nil
}

// Close stops every live session. Persisted state is left as is.
func (e *Engine) Close() error {
	e.Manager.Close()
	if e.ownsBus {
		return e.Bus.Close()
	}
	return nil
}

func (e *Engine) Tools() []*graph.Graph { return e.Manager.Tools() }

func (e *Engine) Tool(name string) (*graph.Graph, error) {
	g, ok := e.Manager.Tool(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", intake.ErrUnknownTool, name)
	}
	return g, nil
}

// CreateSession starts a session for tool owned by actorID.
func (e *Engine) CreateSession(ctx context.Context, tool, actorID string, seed domain.Fields) (intake.Snapshot, error) {
	s, err := e.Manager.Create(tool, actorID, seed)
	if err != nil {
		return intake.Snapshot{}, err
	}
	e.trackStatus(s.ID(), s.Status())
	if err := e.save(ctx, s); err != nil {
		return intake.Snapshot{}, err
	}
	e.record(ctx, events.SessionCreated, s, actorID, events.EventPayload{"stage": s.Stage(), "seed": seed})
	return e.settle(ctx, s)
}

// Session returns the live session, restoring it from the database when this
// process has not seen it yet. Sessions owned by another actor are reported
// as not found.
func (e *Engine) Session(ctx context.Context, id, actorID string) (*intake.Session, error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	s, err := e.Manager.Get(id)
	if errors.Is(err, intake.ErrSessionNotFound) {
		s, err = e.load(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if s.Owner() != "" && actorID != "" && s.Owner() != actorID {
		return nil, intake.ErrSessionNotFound
	}
	return s, nil
}

func (e *Engine) load(ctx context.Context, id string) (*intake.Session, error) {
	if e.DB == nil {
		return nil, intake.ErrSessionNotFound
	}
	rec, err := e.Repo.GetSession(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, intake.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var state intake.State
	if err := json.Unmarshal([]byte(rec.Snapshot), &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	e.trackStatus(id, state.Status)
	s, err := e.Manager.Restore(state)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	return s, nil
}

func (e *Engine) Snapshot(ctx context.Context, id, actorID string) (intake.Snapshot, error) {
	s, err := e.Session(ctx, id, actorID)
	if err != nil {
		return intake.Snapshot{}, err
	}
	return e.settle(ctx, s)
}

// ListSessions lists persisted sessions.
func (e *Engine) ListSessions(ctx context.Context, f repo.SessionFilters) ([]domain.SessionRecord, error) {
	return e.Repo.ListSessions(ctx, f)
}

func (e *Engine) Choose(ctx context.Context, id, actorID, optionID string) (intake.Snapshot, error) {
	return e.act(ctx, id, actorID, events.SessionChoice, events.EventPayload{"option_id": optionID}, func(s *intake.Session) error {
		return s.SubmitChoice(optionID)
	})
}

func (e *Engine) Text(ctx context.Context, id, actorID, value string) (intake.Snapshot, error) {
	return e.act(ctx, id, actorID, events.SessionText, events.EventPayload{"length": len(strings.TrimSpace(value))}, func(s *intake.Session) error {
		return s.SubmitText(value)
	})
}

func (e *Engine) Files(ctx context.Context, id, actorID string, files []domain.FileDescriptor) (intake.Snapshot, error) {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	return e.act(ctx, id, actorID, events.SessionFiles, events.EventPayload{"names": names}, func(s *intake.Session) error {
		return s.SubmitFiles(files)
	})
}

// UploadFailure records a failed upload or picker. The session stays on its
// stage and toasts the failure; the report itself succeeds.
func (e *Engine) UploadFailure(ctx context.Context, id, actorID, message string) (intake.Snapshot, error) {
	return e.act(ctx, id, actorID, events.SessionUploadError, events.EventPayload{"message": message}, func(s *intake.Session) error {
		err := s.ReportUploadFailure(errors.New(message))
		var uf *intake.UploadFailure
		if errors.As(err, &uf) {
			return nil
		}
		return err
	})
}

func (e *Engine) RemoveDocument(ctx context.Context, id, actorID, category, docID string) (intake.Snapshot, error) {
	payload := events.EventPayload{"category": category, "document_id": docID}
	return e.act(ctx, id, actorID, events.SessionDocRemoved, payload, func(s *intake.Session) error {
		if !s.RemoveDocument(category, docID) {
			return fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, category, docID)
		}
		return nil
	})
}

func (e *Engine) Reset(ctx context.Context, id, actorID string) (intake.Snapshot, error) {
	return e.act(ctx, id, actorID, events.SessionReset, nil, func(s *intake.Session) error {
		return s.Reset()
	})
}

func (e *Engine) Retry(ctx context.Context, id, actorID string) (intake.Snapshot, error) {
	return e.act(ctx, id, actorID, events.SessionRetried, nil, func(s *intake.Session) error {
		return s.Retry()
	})
}

// Complete installs a result produced outside the session's generator.
func (e *Engine) Complete(ctx context.Context, id, actorID string, raw json.RawMessage) (intake.Snapshot, error) {
	payload, err := domain.UnmarshalPayload(raw)
	if err != nil {
		return intake.Snapshot{}, &intake.ValidationError{Stage: "result", Message: err.Error()}
	}
	if payload == nil {
		return intake.Snapshot{}, &intake.ValidationError{Stage: "result", Message: "result is required"}
	}
	return e.act(ctx, id, actorID, "", nil, func(s *intake.Session) error {
		return s.Complete(payload)
	})
}

// DeleteSession stops the session and removes its stored state. Its events stay.
func (e *Engine) DeleteSession(ctx context.Context, id, actorID string) error {
	s, err := e.Session(ctx, id, actorID)
	if err != nil {
		return err
	}
	e.Manager.Remove(id)
	e.statusMu.Lock()
	delete(e.statuses, id)
	e.statusMu.Unlock()
	if e.DB != nil {
		if err := e.Repo.DeleteSession(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	e.record(ctx, events.SessionDeleted, s, actorID, nil)
	return nil
}

// SessionEvents returns a session's persisted events, newest first.
func (e *Engine) SessionEvents(ctx context.Context, id, actorID string, limit int, cursor int64) ([]domain.Event, error) {
	if _, err := e.Session(ctx, id, actorID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, limit, cursor, id, "")
}

func (e *Engine) act(ctx context.Context, id, actorID, evtType string, payload events.EventPayload, fn func(*intake.Session) error) (intake.Snapshot, error) {
	s, err := e.Session(ctx, id, actorID)
	if err != nil {
		return intake.Snapshot{}, err
	}
	if err := fn(s); err != nil {
		return intake.Snapshot{}, err
	}
	if err := e.save(ctx, s); err != nil {
		return intake.Snapshot{}, err
	}
	if evtType != "" {
		if payload == nil {
			payload = events.EventPayload{}
		}
		payload["stage"] = s.Stage()
		e.record(ctx, evtType, s, actorID, payload)
	}
	return e.settle(ctx, s)
}

// settle waits for synchronous engines so callers see the finished turn.
func (e *Engine) settle(ctx context.Context, s *intake.Session) (intake.Snapshot, error) {
	if e.sync {
		if err := s.Wait(ctx); err != nil {
			return intake.Snapshot{}, err
		}
		if err := e.save(ctx, s); err != nil {
			return intake.Snapshot{}, err
		}
	}
	return s.Snapshot(), nil
}

func (e *Engine) save(ctx context.Context, s *intake.Session) error {
	if e.DB == nil {
		return nil
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	state := s.State()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID(), err)
	}
	return e.Repo.SaveSession(ctx, domain.SessionRecord{
		ID:        state.ID,
		Tool:      state.Tool,
		Status:    state.Status,
		Stage:     state.Stage,
		OwnerID:   state.Owner,
		Snapshot:  string(data),
		CreatedAt: state.CreatedAt,
		UpdatedAt: e.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (e *Engine) record(ctx context.Context, evtType string, s *intake.Session, actorID string, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	if actorID == "" {
		actorID = s.Owner()
	}
	if _, err := e.Events.Append(ctx, nil, evtType, s.ID(), s.Tool(), actorID, payload); err != nil {
		e.log.Warn().Err(err).Str("session_id", s.ID()).Str("event", evtType).Msg("append event")
	}
}

// onNotify forwards to the bus and persists changes that happen off the
// request path: thinking delays, reveal completion and generation results.
func (e *Engine) onNotify(n intake.Notification) {
	e.Bus.Notify(n)
	if n.Kind != intake.NotifyUpdate {
		return
	}
	s, err := e.Manager.Get(n.SessionID)
	if err != nil {
		return
	}
	ctx := context.Background()
	if err := e.save(ctx, s); err != nil {
		e.log.Error().Err(err).Str("session_id", n.SessionID).Msg("persist session")
	}
	prev, changed := e.swapStatus(n.SessionID, n.Status)
	if !changed {
		return
	}
	switch n.Status {
	case domain.StatusGenerating:
		e.record(ctx, events.SessionGenerating, s, "", events.EventPayload{"from": string(prev)})
	case domain.StatusComplete:
		payload := events.EventPayload{}
		if r := s.Result(); r != nil {
			payload["summary"] = r.Summary()
			payload["kind"] = string(r.Kind())
		}
		e.record(ctx, events.SessionCompleted, s, "", payload)
	case domain.StatusFailed:
		payload := events.EventPayload{}
		if f := s.Failure(); f != nil {
			payload["error"] = f.Cause.Error()
		}
		e.record(ctx, events.SessionFailed, s, "", payload)
	}
}

func (e *Engine) trackStatus(id string, status domain.Status) {
	e.statusMu.Lock()
	e.statuses[id] = status
	e.statusMu.Unlock()
}

func (e *Engine) swapStatus(id string, status domain.Status) (domain.Status, bool) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	prev, ok := e.statuses[id]
	if !ok {
		return "", false
	}
	e.statuses[id] = status
	return prev, prev != status
}
