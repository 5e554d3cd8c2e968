// Package intake runs one guided chat session over a stage graph: it owns the
// transcript, the collected fields, the documents, the reveal timers and the
// terminal generation call.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jubee/internal/clock"
	"jubee/internal/docstore"
	"jubee/internal/domain"
	"jubee/internal/graph"
	"jubee/internal/msglog"
	"jubee/internal/reveal"
)

const (
	OptionRetry     = "retry"
	OptionStartOver = "start-over"

	skippedText = "(Skipped)"
)

type Options struct {
	ID    string
	Owner string
	Graph *graph.Graph
	// Generator is called once the terminal stage is entered.
	Generator Generator
	Clock     clock.Clock
	Notifier  Notifier
	Logger    zerolog.Logger
	// Seed carries host facts (e.g. hasBaseDraftHistory) visible to branches
	// and prompts but never reported as collected fields.
	Seed domain.Fields

	RevealInterval    time.Duration
	ThinkingDelay     time.Duration
	GenerationTimeout time.Duration
}

type pendingPrompt struct {
	stage string
	timer clock.Timer
}

// Session is a single intake conversation. All methods are safe for
// concurrent use; timer and generator callbacks share the same lock.
type Session struct {
	mu      sync.Mutex
	outbox  []Notification
	changed chan struct{}

	opts   Options
	g      *graph.Graph
	log    *msglog.Log
	docs   *docstore.Store
	reveal *reveal.Revealer
	logger zerolog.Logger

	epoch     uint64
	genSeq    uint64
	genCancel context.CancelFunc
	genReq    *GenerateRequest

	stage   string
	status  domain.Status
	fields  domain.Fields
	pending *pendingPrompt
	result  domain.ResultPayload
	failure *GenerationFailure
	closed  bool
	created time.Time
}

// locker hands the session mutex to the revealer. Unlock flushes queued
// notifications after the mutex is released.
type locker struct{ s *Session }

func (l locker) Lock()   { l.s.lock() }
func (l locker) Unlock() { l.s.unlock() }

func (s *Session) lock() { s.mu.Lock() }

func (s *Session) unlock() {
	out := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, n := range out {
		s.opts.Notifier.Notify(n)
	}
}

// New starts a session on the graph's start stage with its prompt delivered.
func New(opts Options) (*Session, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	s.lock()
	s.resetLocked()
	s.unlock()
	return s, nil
}

func newSession(opts Options) (*Session, error) {
	if opts.Graph == nil {
		return nil, errors.New("intake: graph is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("intake: generator is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	opts.Seed = opts.Seed.Clone()
	s := &Session{
		opts:    opts,
		g:       opts.Graph,
		changed: make(chan struct{}),
		fields:  domain.Fields{},
		created: opts.Clock.Now().UTC(),
		logger: opts.Logger.With().
			Str("session_id", opts.ID).
			Str("tool", opts.Graph.Name()).
			Logger(),
	}
	s.log = msglog.New(opts.Clock.Now)
	s.docs = docstore.New(opts.Clock.Now)
	s.reveal = reveal.New(reveal.Config{
		Interval: opts.RevealInterval,
		Clock:    opts.Clock,
		Locker:   locker{s},
		Logger:   s.logger,
		OnDone:   func(int64) { s.changedLocked() },
	})
	return s, nil
}

func (s *Session) ID() string          { return s.opts.ID }
func (s *Session) Tool() string        { return s.g.Name() }
func (s *Session) Owner() string       { return s.opts.Owner }
func (s *Session) Graph() *graph.Graph { return s.g }

func (s *Session) Status() domain.Status {
	s.lock()
	defer s.unlock()
	return s.status
}

func (s *Session) Stage() string {
	s.lock()
	defer s.unlock()
	return s.stage
}

// Fields returns a copy of the collected fields.
func (s *Session) Fields() domain.Fields {
	s.lock()
	defer s.unlock()
	return s.fields.Clone()
}

// Documents returns a copy of the documents grouped by category.
func (s *Session) Documents() map[string][]domain.DocumentRef {
	s.lock()
	defer s.unlock()
	return s.docs.Snapshot()
}

func (s *Session) Turns() []domain.Turn {
	s.lock()
	defer s.unlock()
	out := make([]domain.Turn, 0, s.log.Len())
	for t := range s.log.All() {
		out = append(out, t)
	}
	return out
}

func (s *Session) Result() domain.ResultPayload {
	s.lock()
	defer s.unlock()
	return s.result
}

func (s *Session) Failure() *GenerationFailure {
	s.lock()
	defer s.unlock()
	return s.failure
}

// SubmitChoice applies a chip selection on the current stage. On the terminal
// stage only the retry and start-over chips are accepted.
func (s *Session) SubmitChoice(optionID string) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if s.stage == s.g.Terminal() {
		return s.terminalChoiceLocked(optionID)
	}
	st, err := s.collectingLocked("choice")
	if err != nil {
		return err
	}
	res, err := s.g.ResolveNext(st.Name, graph.Input{
		Kind:      graph.InputChoice,
		OptionID:  optionID,
		Collected: s.collectedLocked(st),
		Fields:    s.scopeLocked(),
	})
	if err != nil {
		return s.rejectLocked(err)
	}
	opt := *res.Option
	s.flushPendingLocked()

	turn := domain.Turn{Speaker: domain.SpeakerUser, Stage: st.Name, Text: opt.Label}
	switch {
	case st.Mode == domain.ModeChoiceSingle && st.Field != "":
		s.fields[st.Field] = st.StoredValue(opt)
	case st.Mode == domain.ModeChoiceMulti && res.Stay:
		list := appendUnique(s.fields.List(st.Field), st.StoredValue(opt))
		s.fields[st.Field] = list
		turn.SelectionChips = list
	case st.Mode == domain.ModeChoiceMulti:
		turn.SelectionChips = s.fields.List(st.Field)
	}
	s.log.Append(turn)
	s.logger.Debug().Str("stage", st.Name).Str("option", opt.ID).Msg("choice accepted")
	s.advanceLocked(st, res)
	s.changedLocked()
	return nil
}

// SubmitText applies typed input. Empty input on an optional text stage is a skip.
func (s *Session) SubmitText(value string) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	st, err := s.collectingLocked("text")
	if err != nil {
		return err
	}
	res, err := s.g.ResolveNext(st.Name, graph.Input{
		Kind:      graph.InputText,
		Text:      value,
		Collected: s.collectedLocked(st),
		Fields:    s.scopeLocked(),
	})
	if err != nil {
		return s.rejectLocked(err)
	}
	s.flushPendingLocked()

	value = strings.TrimSpace(value)
	turn := domain.Turn{Speaker: domain.SpeakerUser, Stage: st.Name, Text: value}
	if st.Mode == domain.ModeChoiceMulti {
		list := appendUnique(s.fields.List(st.Field), value)
		s.fields[st.Field] = list
		turn.SelectionChips = list
	} else {
		if value == "" {
			turn.Text = skippedText
		}
		s.fields[st.Field] = value
	}
	s.log.Append(turn)
	s.logger.Debug().Str("stage", st.Name).Bool("skipped", value == "").Msg("text accepted")
	s.advanceLocked(st, res)
	s.changedLocked()
	return nil
}

// SubmitFiles registers an upload or picker batch. An empty batch is a no-op.
func (s *Session) SubmitFiles(files []domain.FileDescriptor) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	st, err := s.collectingLocked("files")
	if err != nil {
		return err
	}
	res, err := s.g.ResolveNext(st.Name, graph.Input{
		Kind:      graph.InputFiles,
		Files:     len(files),
		Collected: s.collectedLocked(st),
		Fields:    s.scopeLocked(),
	})
	if err != nil {
		return s.rejectLocked(err)
	}
	if len(files) == 0 {
		return nil
	}
	for _, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return s.rejectLocked(&ValidationError{Stage: st.Name, Field: st.Category, Message: "file name is required"})
		}
	}
	if !st.Multiple && len(files) > 1 {
		return s.rejectLocked(&ValidationError{Stage: st.Name, Field: st.Category, Message: "only one file can be attached here"})
	}
	s.flushPendingLocked()

	var refs []domain.DocumentRef
	if st.Multiple {
		refs = s.docs.AddMany(st.Category, files)
	} else {
		refs = []domain.DocumentRef{s.docs.AddOne(st.Category, files[0])}
	}
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name)
	}
	s.log.Append(domain.Turn{
		Speaker:     domain.SpeakerUser,
		Stage:       st.Name,
		Text:        strings.Join(names, ", "),
		Attachments: refs,
	})
	s.logger.Debug().Str("stage", st.Name).Str("category", st.Category).Int("files", len(refs)).Msg("files attached")
	s.advanceLocked(st, res)
	s.changedLocked()
	return nil
}

// ReportUploadFailure surfaces a failed upload or picker call as a toast. The
// transcript and stage are left untouched.
func (s *Session) ReportUploadFailure(cause error) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	st, err := s.collectingLocked("upload-failure")
	if err != nil {
		return err
	}
	if !st.Mode.IsUpload() {
		return &InvalidActionError{Stage: st.Name, Mode: st.Mode, Action: "upload-failure"}
	}
	if cause == nil {
		cause = errors.New("unknown error")
	}
	s.toastLocked(LevelError, fmt.Sprintf("Upload failed: %v", cause))
	s.logger.Warn().Err(cause).Str("stage", st.Name).Msg("upload failed")
	return &UploadFailure{Stage: st.Name, Cause: cause}
}

// RemoveDocument drops a document. It is allowed at any stage and reports
// whether the document existed.
func (s *Session) RemoveDocument(category, id string) bool {
	s.lock()
	defer s.unlock()
	if s.closed {
		return false
	}
	if !s.docs.Remove(category, id) {
		return false
	}
	s.logger.Debug().Str("category", category).Str("doc_id", id).Msg("document removed")
	s.changedLocked()
	return true
}

// Reset clears everything and starts over from the start stage. Pending
// timers and in-flight generation are cancelled first.
func (s *Session) Reset() error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	s.resetLocked()
	return nil
}

// Complete records the result payload. It is legal only on the terminal
// stage and only once.
func (s *Session) Complete(payload domain.ResultPayload) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if s.stage != s.g.Terminal() || s.status == domain.StatusComplete {
		return &InvalidActionError{Stage: s.stage, Mode: s.modeLocked(), Action: "complete"}
	}
	if payload == nil {
		return s.rejectLocked(&ValidationError{Stage: s.stage, Message: "result payload is required"})
	}
	s.completeLocked(payload)
	return nil
}

// Retry re-invokes the generator with the request captured when the terminal
// stage was entered.
func (s *Session) Retry() error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if s.status != domain.StatusFailed {
		return &InvalidActionError{Stage: s.stage, Mode: s.modeLocked(), Action: "retry"}
	}
	s.retryLocked()
	return nil
}

// Close cancels timers and generation. Further operations return ErrClosed.
func (s *Session) Close() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.cancelAsyncLocked()
	s.closed = true
	s.changedLocked()
}

// Wait blocks until the session is no longer generating and no prompt is
// pending, or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	for {
		s.lock()
		settled := s.closed || (s.status != domain.StatusGenerating && s.pending == nil)
		ch := s.changed
		s.unlock()
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Session) terminalChoiceLocked(optionID string) error {
	switch optionID {
	case OptionRetry:
		if s.status != domain.StatusFailed {
			return &InvalidActionError{Stage: s.stage, Mode: s.modeLocked(), Action: "retry"}
		}
		s.retryLocked()
		return nil
	case OptionStartOver:
		s.resetLocked()
		return nil
	}
	return &InvalidActionError{Stage: s.stage, Mode: s.modeLocked(), Action: "choice"}
}

// collectingLocked returns the current stage when user input is accepted.
func (s *Session) collectingLocked(action string) (graph.Stage, error) {
	st, ok := s.g.Stage(s.stage)
	if !ok {
		return graph.Stage{}, fmt.Errorf("intake: session on unknown stage %q", s.stage)
	}
	if s.status != domain.StatusCollecting || st.Name == s.g.Terminal() {
		return st, &InvalidActionError{Stage: st.Name, Mode: st.Mode, Action: action}
	}
	return st, nil
}

func (s *Session) modeLocked() domain.InputMode {
	st, _ := s.g.Stage(s.stage)
	return st.Mode
}

// collectedLocked counts what a multi-value stage already holds; it drives
// option visibility.
func (s *Session) collectedLocked(st graph.Stage) int {
	switch {
	case st.Mode.IsUpload():
		return s.docs.Count(st.Category)
	case st.Mode == domain.ModeChoiceMulti:
		return len(s.fields.List(st.Field))
	}
	return 0
}

// scopeLocked merges seed facts under collected fields.
func (s *Session) scopeLocked() domain.Fields {
	out := s.opts.Seed.Clone()
	for k, v := range s.fields.Clone() {
		out[k] = v
	}
	return out
}

func (s *Session) rejectLocked(err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		s.toastLocked(LevelWarn, verr.Message)
		s.logger.Debug().Str("stage", verr.Stage).Str("reason", verr.Message).Msg("input rejected")
		return err
	}
	s.logger.Warn().Err(err).Str("stage", s.stage).Msg("action rejected")
	return err
}

func (s *Session) advanceLocked(from graph.Stage, res graph.Resolution) {
	if res.Stay {
		return
	}
	s.stage = res.Next
	s.logger.Info().Str("from", from.Name).Str("to", res.Next).Msg("stage advanced")
	if res.Next == s.g.Terminal() {
		s.enterTerminalLocked()
		return
	}
	s.enqueuePromptLocked(res.Next)
}

func (s *Session) enterTerminalLocked() {
	s.status = domain.StatusGenerating
	req := s.generateRequestLocked()
	s.genReq = &req
	s.enqueuePromptLocked(s.stage)
	s.startGenerationLocked()
}

func (s *Session) generateRequestLocked() GenerateRequest {
	return GenerateRequest{
		SessionID: s.opts.ID,
		Tool:      s.g.Name(),
		Fields:    s.fields.Clone(),
		Seed:      s.opts.Seed.Clone(),
		Documents: s.docs.Snapshot(),
	}
}

// enqueuePromptLocked shows the "thinking" indicator and delivers the stage
// prompt after the thinking delay.
func (s *Session) enqueuePromptLocked(stage string) {
	s.flushPendingLocked()
	if s.opts.ThinkingDelay <= 0 {
		s.deliverPromptLocked(stage)
		return
	}
	epoch := s.epoch
	p := &pendingPrompt{stage: stage}
	p.timer = s.opts.Clock.AfterFunc(s.opts.ThinkingDelay, func() { s.onThinkingDone(epoch, p) })
	s.pending = p
}

func (s *Session) onThinkingDone(epoch uint64, p *pendingPrompt) {
	s.lock()
	defer s.unlock()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Msg("prompt delivery panicked")
		}
	}()
	if s.closed || epoch != s.epoch || s.pending != p {
		return
	}
	s.pending = nil
	s.deliverPromptLocked(p.stage)
	s.changedLocked()
}

// flushPendingLocked delivers a prompt still waiting on the thinking delay so
// the transcript keeps prompt-before-answer order.
func (s *Session) flushPendingLocked() {
	if s.pending == nil {
		return
	}
	p := s.pending
	s.pending = nil
	p.timer.Stop()
	s.deliverPromptLocked(p.stage)
}

func (s *Session) deliverPromptLocked(stage string) {
	text, err := s.g.Prompt(stage, s.scopeLocked())
	if err != nil {
		s.logger.Error().Err(err).Str("stage", stage).Msg("render prompt")
	}
	var chips []domain.OptionChip
	if st, ok := s.g.Stage(stage); ok && stage != s.g.Terminal() {
		chips = optionChips(st.VisibleOptions(s.collectedLocked(st)))
	}
	s.appendAssistantLocked(stage, text, chips)
}

func (s *Session) appendAssistantLocked(stage, text string, chips []domain.OptionChip) {
	turn := s.log.Append(domain.Turn{
		Speaker:     domain.SpeakerAssistant,
		Stage:       stage,
		Text:        text,
		OptionChips: chips,
	})
	s.reveal.Start(turn.ID, turn.Text)
}

func (s *Session) startGenerationLocked() {
	s.stopGenerationLocked()
	if s.genReq == nil {
		req := s.generateRequestLocked()
		s.genReq = &req
	}
	req := *s.genReq
	req.Fields = req.Fields.Clone()
	req.Seed = req.Seed.Clone()
	seq, epoch := s.genSeq, s.epoch

	ctx, cancel := context.WithCancel(context.Background())
	if s.opts.GenerationTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.opts.GenerationTimeout)
	}
	s.genCancel = cancel
	s.logger.Info().Uint64("attempt", seq).Msg("generation started")
	go s.runGeneration(ctx, epoch, seq, req)
}

func (s *Session) runGeneration(ctx context.Context, epoch, seq uint64, req GenerateRequest) {
	var (
		payload domain.ResultPayload
		err     error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("generator panicked: %v", rec)
			}
		}()
		payload, err = s.opts.Generator.Generate(ctx, req)
	}()
	s.finishGeneration(epoch, seq, payload, err)
}

func (s *Session) finishGeneration(epoch, seq uint64, payload domain.ResultPayload, err error) {
	s.lock()
	defer s.unlock()
	if s.closed || epoch != s.epoch || seq != s.genSeq || s.status != domain.StatusGenerating {
		s.logger.Debug().Uint64("attempt", seq).Msg("dropping stale generation result")
		return
	}
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	if err == nil && payload == nil {
		err = errors.New("generator returned no result")
	}
	if err != nil {
		s.failLocked(err)
		return
	}
	s.completeLocked(payload)
}

// stopGenerationLocked invalidates any in-flight generation.
func (s *Session) stopGenerationLocked() {
	s.genSeq++
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
}

func (s *Session) failLocked(cause error) {
	s.status = domain.StatusFailed
	s.failure = &GenerationFailure{Cause: cause, Retryable: true}
	s.flushPendingLocked()
	s.appendAssistantLocked(s.stage, "Something went wrong while preparing your result. You can retry or start over.", []domain.OptionChip{
		{ID: OptionRetry, Label: "Retry"},
		{ID: OptionStartOver, Label: "Start over"},
	})
	s.toastLocked(LevelError, "Generation failed")
	s.logger.Error().Err(cause).Msg("generation failed")
	s.changedLocked()
}

func (s *Session) completeLocked(payload domain.ResultPayload) {
	s.stopGenerationLocked()
	s.status = domain.StatusComplete
	s.result = payload
	s.failure = nil
	s.flushPendingLocked()
	text := "Your result is ready."
	if sum := payload.Summary(); sum != "" {
		text += " " + sum
	}
	s.appendAssistantLocked(s.stage, text, []domain.OptionChip{{ID: OptionStartOver, Label: "Start over"}})
	s.logger.Info().Str("kind", string(payload.Kind())).Msg("session complete")
	s.changedLocked()
}

func (s *Session) retryLocked() {
	s.status = domain.StatusGenerating
	s.failure = nil
	s.appendAssistantLocked(s.stage, "Retrying…", nil)
	s.startGenerationLocked()
	s.changedLocked()
}

func (s *Session) resetLocked() {
	s.cancelAsyncLocked()
	s.fields = domain.Fields{}
	s.log.Reset()
	s.docs.Reset()
	s.stage = s.g.Start()
	s.status = domain.StatusCollecting
	s.result = nil
	s.failure = nil
	s.genReq = nil
	s.logger.Info().Msg("session reset")
	s.deliverPromptLocked(s.stage)
	s.changedLocked()
}

// cancelAsyncLocked bumps the epoch so every outstanding callback becomes a no-op.
func (s *Session) cancelAsyncLocked() {
	s.epoch++
	if s.pending != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
	s.reveal.CancelAll()
	s.stopGenerationLocked()
}

func (s *Session) toastLocked(level Level, msg string) {
	s.outbox = append(s.outbox, Notification{
		SessionID: s.opts.ID,
		Kind:      NotifyToast,
		Level:     level,
		Message:   msg,
		Status:    s.status,
		Stage:     s.stage,
	})
}

func (s *Session) changedLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
	s.outbox = append(s.outbox, Notification{
		SessionID: s.opts.ID,
		Kind:      NotifyUpdate,
		Status:    s.status,
		Stage:     s.stage,
	})
}

func optionChips(opts []graph.Option) []domain.OptionChip {
	if len(opts) == 0 {
		return nil
	}
	out := make([]domain.OptionChip, 0, len(opts))
	for _, o := range opts {
		out = append(out, domain.OptionChip{ID: o.ID, Label: o.Label})
	}
	return out
}

func appendUnique(list []string, v string) []string {
	out := append([]string(nil), list...)
	for _, x := range out {
		if x == v {
			return out
		}
	}
	return append(out, v)
}
