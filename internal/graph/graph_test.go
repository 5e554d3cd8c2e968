package graph_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jubee/internal/domain"
	"jubee/internal/graph"
)

func sampleDef() graph.Definition {
	return graph.Definition{
		Name:     "sample",
		Start:    "kind",
		Terminal: "done",
		Stages: []graph.Stage{
			{
				Name: "kind", Prompt: "Pick a kind", Mode: domain.ModeChoiceSingle, Field: "kind", Next: "upload",
				Options:  []graph.Option{{ID: "a", Label: "Alpha"}, {ID: "b", Label: "Beta"}},
				Branches: []graph.Branch{{Field: "history", Equals: "true", Next: "reuse"}},
			},
			{
				Name: "reuse", Prompt: "Reuse?", Mode: domain.ModeChoiceSingle, Field: "reuse",
				Options: []graph.Option{{ID: "yes", Next: "name"}, {ID: "no", Next: "upload"}},
			},
			{
				Name: "upload", Prompt: "Upload", Mode: domain.ModeFileUpload, Category: "annexure", Multiple: true,
				Options: []graph.Option{
					{ID: "skip", Label: "Skip", Next: "name", Show: graph.ShowEmpty},
					{ID: "continue", Label: "Continue", Next: "name", Show: graph.ShowNonEmpty},
				},
			},
			{Name: "name", Prompt: "Name for {{.kind}}?", Mode: domain.ModeFreeText, Field: "name", Required: true, Next: "tags"},
			{
				Name: "tags", Prompt: "Tags", Mode: domain.ModeChoiceMulti, Field: "tags",
				Options: []graph.Option{{ID: "urgent"}, {ID: "done-tags", Label: "Done", Next: "note"}},
			},
			{Name: "note", Prompt: "Note", Mode: domain.ModeFreeTextarea, Field: "note", Next: "done"},
			{Name: "done", Prompt: "Working on it", Mode: domain.ModeNone},
		},
	}
}

func mustBuild(t *testing.T, def graph.Definition) *graph.Graph {
	t.Helper()
	g, err := graph.Build(def)
	require.NoError(t, err)
	return g
}

func TestBuildValidGraph(t *testing.T) {
	g := mustBuild(t, sampleDef())
	assert.Equal(t, "kind", g.Start())
	assert.Equal(t, "done", g.Terminal())
	st, ok := g.Stage("reuse")
	require.True(t, ok)
	assert.Equal(t, "yes", st.Options[0].Label, "label defaults to id")
}

func TestBuildRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*graph.Definition){
		"unknown target": func(d *graph.Definition) { d.Stages[3].Next = "nowhere" },
		"unreachable": func(d *graph.Definition) {
			d.Stages = append(d.Stages, graph.Stage{Name: "orphan", Mode: domain.ModeFreeText, Field: "x", Next: "done"})
		},
		"cycle": func(d *graph.Definition) {
			d.Stages[5].Next = "name"
		},
		"terminal not none": func(d *graph.Definition) { d.Stages[6].Mode = domain.ModeFreeText },
		"missing start":     func(d *graph.Definition) { d.Start = "ghost" },
		"duplicate stage":   func(d *graph.Definition) { d.Stages[1].Name = "kind" },
		"choice without options": func(d *graph.Definition) {
			d.Stages[0].Options = nil
		},
		"multi upload without exit": func(d *graph.Definition) {
			d.Stages[2].Options = []graph.Option{{ID: "more"}}
		},
		"bad prompt template": func(d *graph.Definition) { d.Stages[3].Prompt = "{{.name" },
		"unknown mode":        func(d *graph.Definition) { d.Stages[5].Mode = "dropdown" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			def := sampleDef()
			mutate(&def)
			_, err := graph.Build(def)
			assert.Error(t, err)
		})
	}
}

func TestBuildRejectsDeadEnd(t *testing.T) {
	def := graph.Definition{
		Name: "dead", Start: "a", Terminal: "end",
		Stages: []graph.Stage{
			{Name: "a", Mode: domain.ModeChoiceSingle, Field: "a", Options: []graph.Option{{ID: "x", Next: "b"}, {ID: "y", Next: "end"}}},
			{Name: "b", Mode: domain.ModeChoiceMulti, Field: "b", Options: []graph.Option{{ID: "only"}}},
			{Name: "end", Mode: domain.ModeNone},
		},
	}
	_, err := graph.Build(def)
	require.Error(t, err)
}

func TestEveryReachableStageFinishes(t *testing.T) {
	g := mustBuild(t, sampleDef())
	// walk every option edge and default edge; each path ends at the terminal stage
	var walk func(string, int)
	walk = func(name string, depth int) {
		require.Less(t, depth, 20)
		if name == g.Terminal() {
			return
		}
		st, _ := g.Stage(name)
		nexts := map[string]bool{}
		if st.Next != "" {
			nexts[st.Next] = true
		}
		for _, o := range st.Options {
			if o.Next != "" {
				nexts[o.Next] = true
			}
		}
		for _, b := range st.Branches {
			nexts[b.Next] = true
		}
		require.NotEmpty(t, nexts, "stage %s is a dead end", name)
		for n := range nexts {
			walk(n, depth+1)
		}
	}
	walk(g.Start(), 0)
}

func TestResolveChoice(t *testing.T) {
	g := mustBuild(t, sampleDef())

	res, err := g.ResolveNext("kind", graph.Input{Kind: graph.InputChoice, OptionID: "a", Fields: domain.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "upload", res.Next)
	assert.Equal(t, "a", res.Option.ID)

	res, err = g.ResolveNext("kind", graph.Input{Kind: graph.InputChoice, OptionID: "Beta", Fields: domain.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Option.ID, "label lookup")

	_, err = g.ResolveNext("kind", graph.Input{Kind: graph.InputChoice, OptionID: "zzz"})
	var ve *graph.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "kind", ve.Stage)
}

func TestResolveConditionalBranch(t *testing.T) {
	g := mustBuild(t, sampleDef())
	res, err := g.ResolveNext("kind", graph.Input{Kind: graph.InputChoice, OptionID: "a", Fields: domain.Fields{"history": "true"}})
	require.NoError(t, err)
	assert.Equal(t, "reuse", res.Next)
}

func TestResolveUploadDualMode(t *testing.T) {
	g := mustBuild(t, sampleDef())

	res, err := g.ResolveNext("upload", graph.Input{Kind: graph.InputFiles, Files: 2})
	require.NoError(t, err)
	assert.True(t, res.Stay)

	_, err = g.ResolveNext("upload", graph.Input{Kind: graph.InputChoice, OptionID: "continue", Collected: 0})
	var ve *graph.ValidationError
	assert.True(t, errors.As(err, &ve), "continue hidden before any upload")

	res, err = g.ResolveNext("upload", graph.Input{Kind: graph.InputChoice, OptionID: "continue", Collected: 2})
	require.NoError(t, err)
	assert.Equal(t, "name", res.Next)

	_, err = g.ResolveNext("upload", graph.Input{Kind: graph.InputChoice, OptionID: "skip", Collected: 2})
	assert.True(t, errors.As(err, &ve), "skip hidden after upload")
}

func TestResolveText(t *testing.T) {
	g := mustBuild(t, sampleDef())

	_, err := g.ResolveNext("name", graph.Input{Kind: graph.InputText, Text: "   "})
	var ve *graph.ValidationError
	require.True(t, errors.As(err, &ve))

	res, err := g.ResolveNext("note", graph.Input{Kind: graph.InputText, Text: ""})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Next)

	res, err = g.ResolveNext("tags", graph.Input{Kind: graph.InputText, Text: "custom"})
	require.NoError(t, err)
	assert.True(t, res.Stay, "free-form tag stays")
}

func TestResolveInvalidActions(t *testing.T) {
	g := mustBuild(t, sampleDef())
	var ie *graph.InvalidActionError

	_, err := g.ResolveNext("name", graph.Input{Kind: graph.InputChoice, OptionID: "a"})
	assert.True(t, errors.As(err, &ie))

	_, err = g.ResolveNext("kind", graph.Input{Kind: graph.InputFiles, Files: 1})
	assert.True(t, errors.As(err, &ie))

	_, err = g.ResolveNext("done", graph.Input{Kind: graph.InputText, Text: "x"})
	assert.True(t, errors.As(err, &ie))
}

func TestPromptInterpolation(t *testing.T) {
	g := mustBuild(t, sampleDef())
	out, err := g.Prompt("name", domain.Fields{"kind": "a"})
	require.NoError(t, err)
	assert.Equal(t, "Name for a?", out)

	out, err = g.Prompt("name", domain.Fields{})
	require.NoError(t, err)
	assert.Equal(t, "Name for ?", out)
}
