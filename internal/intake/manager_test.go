package intake_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jubee/internal/clock"
	"jubee/internal/config"
	"jubee/internal/domain"
	"jubee/internal/intake"
)

func newManager(t *testing.T, gen intake.Generator) *intake.Manager {
	t.Helper()
	graphs, err := config.Default().Graphs()
	require.NoError(t, err)
	gens := map[string]intake.Generator{}
	for name := range graphs {
		gens[name] = gen
	}
	m := intake.NewManager(intake.ManagerConfig{
		Graphs:     graphs,
		Generators: gens,
		Clock:      clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(m.Close)
	return m
}

func TestManagerLifecycle(t *testing.T) {
	m := newManager(t, &captureGen{})

	_, err := m.Create("astrology", "u1", nil)
	require.ErrorIs(t, err, intake.ErrUnknownTool)

	a, err := m.Create("drafting", "u1", nil)
	require.NoError(t, err)
	b, err := m.Create("precheck", "u2", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	got, err := m.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Len(t, m.List(), 2)

	tools := m.Tools()
	require.Len(t, tools, 3)
	assert.Equal(t, "drafting", tools[0].Name())

	assert.True(t, m.Remove(a.ID()))
	assert.False(t, m.Remove(a.ID()))
	_, err = m.Get(a.ID())
	assert.ErrorIs(t, err, intake.ErrSessionNotFound)
	assert.ErrorIs(t, a.SubmitChoice("petition"), intake.ErrClosed)
}

func TestStateSurvivesJSONRestore(t *testing.T) {
	m := newManager(t, &captureGen{})
	s, err := m.Create("drafting", "u1", domain.Fields{"hasBaseDraftHistory": "false"})
	require.NoError(t, err)
	require.NoError(t, s.SubmitChoice("petition"))
	require.NoError(t, s.SubmitFiles([]domain.FileDescriptor{{Name: "style.docx"}}))
	require.NoError(t, s.SubmitChoice("continue"))
	require.NoError(t, s.SubmitFiles([]domain.FileDescriptor{{Name: "a.pdf"}, {Name: "b.pdf"}}))

	raw, err := json.Marshal(s.State())
	require.NoError(t, err)
	var state intake.State
	require.NoError(t, json.Unmarshal(raw, &state))

	restored, err := m.Restore(state)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), restored.ID())
	assert.Equal(t, "supporting-upload", restored.Stage())
	assert.Equal(t, s.Fields(), restored.Fields())
	assert.Equal(t, s.Documents(), restored.Documents())
	assert.Equal(t, s.Turns(), restored.Turns())
	assert.Equal(t, "u1", restored.Owner())
	assert.ErrorIs(t, s.SubmitChoice("continue"), intake.ErrClosed)

	live, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, restored, live)

	require.NoError(t, restored.SubmitChoice("continue"))
	assert.Equal(t, "caselaw-picker", restored.Stage())
	last := restored.Turns()[len(restored.Turns())-1]
	assert.Equal(t, domain.SpeakerAssistant, last.Speaker)
	assert.Greater(t, last.ID, s.Turns()[len(s.Turns())-1].ID)
}

func TestRestoreListFieldsAndResult(t *testing.T) {
	m := newManager(t, &captureGen{})
	s, err := m.Create("precedent", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitText("facts"))
	require.NoError(t, s.SubmitChoice("respondent"))
	require.NoError(t, s.SubmitChoice("jurisdiction"))
	require.NoError(t, s.SubmitText("Estoppel"))
	require.NoError(t, s.SubmitChoice("continue"))
	require.NoError(t, s.SubmitChoice("supreme-court"))
	require.NoError(t, s.SubmitChoice("skip-caselaw"))
	require.NoError(t, s.Wait(context.Background()))
	require.Equal(t, domain.StatusComplete, s.Status())

	raw, err := json.Marshal(s.State())
	require.NoError(t, err)
	var state intake.State
	require.NoError(t, json.Unmarshal(raw, &state))
	restored, err := m.Restore(state)
	require.NoError(t, err)

	assert.Equal(t, []string{"Jurisdiction", "Estoppel"}, restored.Fields()["issues"])
	assert.Equal(t, domain.StatusComplete, restored.Status())
	require.NotNil(t, restored.Result())
	assert.Equal(t, s.Result(), restored.Result())
	require.NoError(t, restored.SubmitChoice(intake.OptionStartOver))
	assert.Equal(t, "case-summary", restored.Stage())
}

func TestRestoreRestartsInterruptedGeneration(t *testing.T) {
	gen := &captureGen{}
	m := newManager(t, gen)
	s, err := m.Create("drafting", "", nil)
	require.NoError(t, err)
	driveDraftingToTerminal(t, s)
	require.NoError(t, s.Wait(context.Background()))

	state := s.State()
	state.Status = domain.StatusGenerating
	state.Result = nil
	state.Turns = state.Turns[:len(state.Turns)-1]

	restored, err := m.Restore(state)
	require.NoError(t, err)
	waitStatus(t, restored, domain.StatusComplete)
	assert.Len(t, gen.calls(), 2)
}

func TestRestoredGenerationNotifiesRegisteredSession(t *testing.T) {
	graphs, err := config.Default().Graphs()
	require.NoError(t, err)
	gen := &captureGen{}
	gens := map[string]intake.Generator{}
	for name := range graphs {
		gens[name] = gen
	}
	var (
		m     *intake.Manager
		mu    sync.Mutex
		found []bool
	)
	m = intake.NewManager(intake.ManagerConfig{
		Graphs:     graphs,
		Generators: gens,
		Clock:      clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger:     zerolog.Nop(),
		Notifier: intake.NotifierFunc(func(n intake.Notification) {
			if n.Kind != intake.NotifyUpdate || n.Status != domain.StatusComplete {
				return
			}
			_, err := m.Get(n.SessionID)
			mu.Lock()
			found = append(found, err == nil)
			mu.Unlock()
		}),
	})
	t.Cleanup(m.Close)

	s, err := m.Create("drafting", "", nil)
	require.NoError(t, err)
	driveDraftingToTerminal(t, s)
	require.NoError(t, s.Wait(context.Background()))
	state := s.State()
	m.Remove(s.ID())

	state.Status = domain.StatusGenerating
	state.Result = nil
	state.Turns = state.Turns[:len(state.Turns)-1]
	mu.Lock()
	found = nil
	mu.Unlock()

	restored, err := m.Restore(state)
	require.NoError(t, err)
	waitStatus(t, restored, domain.StatusComplete)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(found) > 0
	}, 2*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, ok := range found {
		assert.True(t, ok)
	}
}

func TestRestoreRejectsMismatchedState(t *testing.T) {
	m := newManager(t, &captureGen{})
	_, err := m.Restore(intake.State{ID: "x", Tool: "drafting", Stage: "nope", Status: domain.StatusCollecting})
	assert.Error(t, err)
	_, err = m.Restore(intake.State{ID: "x", Tool: "drafting", Stage: "doc-type", Status: "sleeping"})
	assert.Error(t, err)
	_, err = m.Restore(intake.State{ID: "x", Tool: "unknown", Stage: "doc-type", Status: domain.StatusCollecting})
	assert.ErrorIs(t, err, intake.ErrUnknownTool)
}
