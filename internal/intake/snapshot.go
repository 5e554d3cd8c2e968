package intake

import (
	"encoding/json"
	"fmt"
	"time"

	"jubee/internal/domain"
)

// StageView describes the stage the user is answering.
type StageView struct {
	Name      string              `json:"name"`
	Prompt    string              `json:"prompt"`
	InputMode domain.InputMode    `json:"input_mode"`
	Field     string              `json:"field,omitempty"`
	Required  bool                `json:"required"`
	Category  string              `json:"category,omitempty"`
	Multiple  bool                `json:"multiple"`
	Options   []domain.OptionChip `json:"options,omitempty"`
	Terminal  bool                `json:"terminal"`
}

// TurnView is a turn as the UI renders it right now.
type TurnView struct {
	ID      int64          `json:"id"`
	Speaker domain.Speaker `json:"speaker"`
	Stage   string         `json:"stage,omitempty"`
	Text    string         `json:"text"`
	// Revealed is the visible prefix of Text.
	Revealed       string               `json:"revealed"`
	Typing         bool                 `json:"typing"`
	OptionChips    []domain.OptionChip  `json:"option_chips,omitempty"`
	Actionable     bool                 `json:"actionable"`
	Attachments    []domain.DocumentRef `json:"attachments,omitempty"`
	SelectionChips []string             `json:"selection_chips,omitempty"`
	CreatedAt      string               `json:"created_at" format:"date-time"`
}

// Snapshot is the read-only view of a session.
type Snapshot struct {
	ID        string                          `json:"id"`
	Tool      string                          `json:"tool"`
	Title     string                          `json:"title"`
	Owner     string                          `json:"owner,omitempty"`
	Status    domain.Status                   `json:"status"`
	Stage     StageView                       `json:"stage"`
	Fields    domain.Fields                   `json:"fields"`
	Documents map[string][]domain.DocumentRef `json:"documents_by_category"`
	Turns     []TurnView                      `json:"turns"`
	Thinking  bool                            `json:"thinking"`
	Result    json.RawMessage                 `json:"result,omitempty"`
	Failure   string                          `json:"failure,omitempty"`
	CreatedAt string                          `json:"created_at" format:"date-time"`
}

// Snapshot renders the session for display. Option chips on a turn that is
// still being revealed are withheld; the latest prompt of the current stage
// shows the options visible right now.
func (s *Session) Snapshot() Snapshot {
	s.lock()
	defer s.unlock()

	snap := Snapshot{
		ID:        s.opts.ID,
		Tool:      s.g.Name(),
		Title:     s.g.Title(),
		Owner:     s.opts.Owner,
		Status:    s.status,
		Fields:    s.fields.Clone(),
		Documents: s.docs.Snapshot(),
		Thinking:  s.pending != nil || s.status == domain.StatusGenerating,
		CreatedAt: s.created.Format(timeLayout),
	}
	if s.failure != nil {
		snap.Failure = s.failure.Error()
	}
	if s.result != nil {
		if raw, err := domain.MarshalPayload(s.result); err == nil {
			snap.Result = raw
		} else {
			s.logger.Error().Err(err).Msg("encode result payload")
		}
	}

	st, _ := s.g.Stage(s.stage)
	terminal := st.Name == s.g.Terminal()
	var current []domain.OptionChip
	if !terminal && s.status == domain.StatusCollecting {
		current = optionChips(st.VisibleOptions(s.collectedLocked(st)))
	}
	snap.Stage = StageView{
		Name:      st.Name,
		InputMode: st.Mode,
		Field:     st.Field,
		Required:  st.Required,
		Category:  st.Category,
		Multiple:  st.Multiple,
		Options:   current,
		Terminal:  terminal,
	}
	if prompt, err := s.g.Prompt(st.Name, s.scopeLocked()); err == nil {
		snap.Stage.Prompt = prompt
	}

	var latestAssistant int64
	if t, ok := s.log.LatestAssistant(); ok {
		latestAssistant = t.ID
	}
	if s.pending != nil || (latestAssistant != 0 && !s.reveal.Done(latestAssistant)) {
		snap.Stage.Options = nil
	}
	snap.Turns = make([]TurnView, 0, s.log.Len())
	for t := range s.log.All() {
		typing := !s.reveal.Done(t.ID)
		v := TurnView{
			ID:             t.ID,
			Speaker:        t.Speaker,
			Stage:          t.Stage,
			Text:           t.Text,
			Revealed:       s.reveal.Prefix(t.ID, t.Text),
			Typing:         typing,
			Attachments:    t.Attachments,
			SelectionChips: t.SelectionChips,
			CreatedAt:      t.CreatedAt,
		}
		if t.Speaker == domain.SpeakerAssistant && !typing {
			v.OptionChips = t.OptionChips
			if t.ID == latestAssistant {
				if !terminal && s.status == domain.StatusCollecting && t.Stage == st.Name {
					v.OptionChips = current
				}
				v.Actionable = len(v.OptionChips) > 0 && s.pending == nil
			}
		}
		snap.Turns = append(snap.Turns, v)
	}
	return snap
}

// State is the persisted form of a session.
type State struct {
	ID        string                          `json:"id"`
	Tool      string                          `json:"tool"`
	Owner     string                          `json:"owner,omitempty"`
	Status    domain.Status                   `json:"status"`
	Stage     string                          `json:"stage"`
	Fields    domain.Fields                   `json:"fields"`
	Seed      domain.Fields                   `json:"seed,omitempty"`
	Turns     []domain.Turn                   `json:"turns"`
	Documents map[string][]domain.DocumentRef `json:"documents_by_category"`
	Result    json.RawMessage                 `json:"result,omitempty"`
	Failure   string                          `json:"failure,omitempty"`
	CreatedAt string                          `json:"created_at"`
}

func (s *Session) State() State {
	s.lock()
	defer s.unlock()
	st := State{
		ID:        s.opts.ID,
		Tool:      s.g.Name(),
		Owner:     s.opts.Owner,
		Status:    s.status,
		Stage:     s.stage,
		Fields:    s.fields.Clone(),
		Seed:      s.opts.Seed.Clone(),
		Documents: s.docs.Snapshot(),
		CreatedAt: s.created.Format(timeLayout),
	}
	for t := range s.log.All() {
		st.Turns = append(st.Turns, t)
	}
	if s.failure != nil {
		st.Failure = s.failure.Cause.Error()
	}
	if s.result != nil {
		if raw, err := domain.MarshalPayload(s.result); err == nil {
			st.Result = raw
		}
	}
	return st
}

// Restore rebuilds a session from persisted state. Reveal animation is not
// resumed. A missing prompt for the current stage is re-delivered and an
// interrupted generation is started again.
func Restore(opts Options, state State) (*Session, error) {
	s, err := restore(opts, state)
	if err != nil {
		return nil, err
	}
	s.resume()
	return s, nil
}

func restore(opts Options, state State) (*Session, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("intake: graph is required")
	}
	if state.Tool != "" && state.Tool != opts.Graph.Name() {
		return nil, fmt.Errorf("intake: state for tool %q restored with graph %q", state.Tool, opts.Graph.Name())
	}
	st, ok := opts.Graph.Stage(state.Stage)
	if !ok {
		return nil, fmt.Errorf("intake: state on unknown stage %q", state.Stage)
	}
	switch state.Status {
	case domain.StatusCollecting, domain.StatusGenerating, domain.StatusComplete, domain.StatusFailed:
	default:
		return nil, fmt.Errorf("intake: unknown status %q", state.Status)
	}
	opts.ID = state.ID
	if state.Owner != "" {
		opts.Owner = state.Owner
	}
	if len(state.Seed) > 0 {
		opts.Seed = state.Seed
	}
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	if created, err := parseTime(state.CreatedAt); err == nil {
		s.created = created
	}

	result, err := domain.UnmarshalPayload(state.Result)
	if err != nil {
		return nil, fmt.Errorf("intake: restore result: %w", err)
	}

	s.lock()
	defer s.unlock()
	s.fields = normalizeFields(state.Fields)
	s.opts.Seed = normalizeFields(s.opts.Seed)
	s.log.Load(state.Turns)
	s.docs.Load(state.Documents)
	s.stage = st.Name
	s.status = state.Status
	s.result = result
	if state.Status == domain.StatusFailed {
		s.failure = &GenerationFailure{Cause: fmt.Errorf("%s", state.Failure), Retryable: true}
	}
	if last, ok := s.log.LatestAssistant(); !ok || last.Stage != st.Name {
		s.deliverPromptLocked(st.Name)
	}
	s.logger.Info().Str("stage", st.Name).Str("status", string(s.status)).Msg("session restored")
	return s, nil
}

// resume restarts a generation that was in flight when the state was saved.
func (s *Session) resume() {
	s.lock()
	defer s.unlock()
	if s.closed || s.status != domain.StatusGenerating || s.genCancel != nil {
		return
	}
	s.startGenerationLocked()
}

// normalizeFields turns JSON-decoded lists back into []string.
func normalizeFields(in domain.Fields) domain.Fields {
	out := domain.Fields{}
	for k, v := range in {
		switch val := v.(type) {
		case []any:
			out[k] = in.List(k)
		case []string:
			out[k] = append([]string(nil), val...)
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

const timeLayout = time.RFC3339Nano

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}
