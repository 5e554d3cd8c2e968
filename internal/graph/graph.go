// Package graph describes one tool's intake wizard as a validated graph of stages.
package graph

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"jubee/internal/domain"
)

type Visibility string

const (
	ShowAlways   Visibility = "always"
	ShowEmpty    Visibility = "empty"
	ShowNonEmpty Visibility = "nonempty"
)

type Option struct {
	ID    string     `yaml:"id" json:"id"`
	Label string     `yaml:"label" json:"label"`
	Next  string     `yaml:"next,omitempty" json:"next,omitempty"`
	Show  Visibility `yaml:"show,omitempty" json:"show,omitempty" enum:"always,empty,nonempty"`
}

// visible evaluates Show against the number of items the stage has collected.
func (o Option) visible(collected int) bool {
	switch o.Show {
	case ShowEmpty:
		return collected == 0
	case ShowNonEmpty:
		return collected > 0
	}
	return true
}

// Branch is a conditional edge taken when a previously collected field matches.
type Branch struct {
	Field    string `yaml:"field" json:"field"`
	Equals   string `yaml:"equals,omitempty" json:"equals,omitempty"`
	NotEmpty bool   `yaml:"not_empty,omitempty" json:"not_empty,omitempty"`
	Next     string `yaml:"next" json:"next"`
}

func (b Branch) matches(fields domain.Fields) bool {
	v := fields.String(b.Field)
	if b.NotEmpty {
		return strings.TrimSpace(v) != ""
	}
	return v == b.Equals
}

type Stage struct {
	Name     string           `yaml:"name" json:"name"`
	Prompt   string           `yaml:"prompt" json:"prompt"`
	Mode     domain.InputMode `yaml:"mode" json:"input_mode"`
	Options  []Option         `yaml:"options,omitempty" json:"options,omitempty"`
	Field    string           `yaml:"field,omitempty" json:"field,omitempty"`
	Required bool             `yaml:"required,omitempty" json:"required"`
	Store    string           `yaml:"store,omitempty" json:"store,omitempty" enum:"id,label"`
	Category string           `yaml:"category,omitempty" json:"category,omitempty"`
	Multiple bool             `yaml:"multiple,omitempty" json:"multiple"`
	// Confirm keeps a single-valued upload stage open after an upload (re-uploads
	// overwrite) until an exit option is chosen.
	Confirm  bool     `yaml:"confirm,omitempty" json:"confirm,omitempty"`
	Next     string   `yaml:"next,omitempty" json:"next,omitempty"`
	Branches []Branch `yaml:"branches,omitempty" json:"branches,omitempty"`
}

// Option looks an option up by id, falling back to an exact label match.
func (s Stage) Option(key string) (Option, bool) {
	for _, o := range s.Options {
		if o.ID == key {
			return o, true
		}
	}
	for _, o := range s.Options {
		if o.Label == key {
			return o, true
		}
	}
	return Option{}, false
}

// VisibleOptions returns the options offered once the stage has collected n items.
func (s Stage) VisibleOptions(collected int) []Option {
	out := make([]Option, 0, len(s.Options))
	for _, o := range s.Options {
		if o.visible(collected) {
			out = append(out, o)
		}
	}
	return out
}

// StoredValue is the field value recorded for a chosen option.
func (s Stage) StoredValue(o Option) string {
	if s.Store == "label" {
		return o.Label
	}
	return o.ID
}

func (s Stage) edges() []string {
	var out []string
	if s.Next != "" {
		out = append(out, s.Next)
	}
	for _, b := range s.Branches {
		out = append(out, b.Next)
	}
	for _, o := range s.Options {
		if o.Next != "" {
			out = append(out, o.Next)
		}
	}
	return out
}

// Definition is the configuration form of a graph.
type Definition struct {
	Name     string  `yaml:"name" json:"name"`
	Title    string  `yaml:"title" json:"title"`
	Start    string  `yaml:"start" json:"start"`
	Terminal string  `yaml:"terminal" json:"terminal"`
	Stages   []Stage `yaml:"stages" json:"stages"`
}

// Graph is a validated Definition. It is immutable and safe to share.
type Graph struct {
	def     Definition
	stages  map[string]Stage
	prompts map[string]*template.Template
}

// Build validates def and returns the graph. Configuration errors fail fast here.
func Build(def Definition) (*Graph, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("graph name is required")
	}
	if len(def.Stages) == 0 {
		return nil, fmt.Errorf("graph %s: no stages", def.Name)
	}
	def.Stages = append([]Stage(nil), def.Stages...)
	g := &Graph{
		def:     def,
		stages:  make(map[string]Stage, len(def.Stages)),
		prompts: make(map[string]*template.Template, len(def.Stages)),
	}
	for i, st := range def.Stages {
		if st.Name == "" {
			return nil, fmt.Errorf("graph %s: stage %d has no name", def.Name, i)
		}
		if _, dup := g.stages[st.Name]; dup {
			return nil, fmt.Errorf("graph %s: duplicate stage %s", def.Name, st.Name)
		}
		st.Options = append([]Option(nil), st.Options...)
		for j := range st.Options {
			if st.Options[j].Label == "" {
				st.Options[j].Label = st.Options[j].ID
			}
			if st.Options[j].Show == "" {
				st.Options[j].Show = ShowAlways
			}
		}
		def.Stages[i] = st
		g.stages[st.Name] = st
		tmpl, err := template.New(st.Name).Option("missingkey=zero").Parse(st.Prompt)
		if err != nil {
			return nil, fmt.Errorf("graph %s: stage %s prompt: %w", def.Name, st.Name, err)
		}
		g.prompts[st.Name] = tmpl
	}
	if err := g.validateStages(); err != nil {
		return nil, err
	}
	if err := g.validateTopology(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) validateStages() error {
	name := g.def.Name
	if _, ok := g.stages[g.def.Start]; !ok {
		return fmt.Errorf("graph %s: start stage %q not found", name, g.def.Start)
	}
	term, ok := g.stages[g.def.Terminal]
	if !ok {
		return fmt.Errorf("graph %s: terminal stage %q not found", name, g.def.Terminal)
	}
	if term.Mode != domain.ModeNone {
		return fmt.Errorf("graph %s: terminal stage %s must use input mode none", name, term.Name)
	}
	if len(term.edges()) > 0 {
		return fmt.Errorf("graph %s: terminal stage %s has outgoing transitions", name, term.Name)
	}
	for _, st := range g.def.Stages {
		if !st.Mode.Known() {
			return fmt.Errorf("graph %s: stage %s has unknown input mode %q", name, st.Name, st.Mode)
		}
		if st.Mode == domain.ModeNone && st.Name != g.def.Terminal {
			return fmt.Errorf("graph %s: only the terminal stage may use input mode none (%s)", name, st.Name)
		}
		if st.Store != "" && st.Store != "id" && st.Store != "label" {
			return fmt.Errorf("graph %s: stage %s store must be id or label", name, st.Name)
		}
		seen := map[string]bool{}
		for _, o := range st.Options {
			if o.ID == "" {
				return fmt.Errorf("graph %s: stage %s has an option without id", name, st.Name)
			}
			if seen[o.ID] {
				return fmt.Errorf("graph %s: stage %s has duplicate option %s", name, st.Name, o.ID)
			}
			seen[o.ID] = true
			switch o.Show {
			case ShowAlways, ShowEmpty, ShowNonEmpty:
			default:
				return fmt.Errorf("graph %s: stage %s option %s has invalid show %q", name, st.Name, o.ID, o.Show)
			}
		}
		for _, target := range st.edges() {
			if _, ok := g.stages[target]; !ok {
				return fmt.Errorf("graph %s: stage %s transitions to unknown stage %q", name, st.Name, target)
			}
			if target == st.Name {
				return fmt.Errorf("graph %s: stage %s transitions to itself", name, st.Name)
			}
		}
		for _, b := range st.Branches {
			if b.Field == "" {
				return fmt.Errorf("graph %s: stage %s has a branch without field", name, st.Name)
			}
		}
		if err := g.validateMode(st); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) validateMode(st Stage) error {
	name := g.def.Name
	hasOptionExit := false
	for _, o := range st.Options {
		if o.Next != "" {
			hasOptionExit = true
		}
	}
	switch {
	case st.Mode.IsChoice():
		if len(st.Options) == 0 {
			return fmt.Errorf("graph %s: choice stage %s declares no options", name, st.Name)
		}
		if st.Mode == domain.ModeChoiceSingle && st.Next == "" {
			for _, o := range st.Options {
				if o.Next == "" {
					return fmt.Errorf("graph %s: option %s of stage %s has no transition", name, o.ID, st.Name)
				}
			}
		}
		if st.Mode == domain.ModeChoiceMulti {
			if st.Field == "" {
				return fmt.Errorf("graph %s: multi-choice stage %s needs a field", name, st.Name)
			}
			if !hasOptionExit {
				return fmt.Errorf("graph %s: multi-choice stage %s has no exit option", name, st.Name)
			}
		}
	case st.Mode.IsText():
		if st.Next == "" {
			return fmt.Errorf("graph %s: text stage %s has no next stage", name, st.Name)
		}
		if st.Field == "" {
			return fmt.Errorf("graph %s: text stage %s needs a field", name, st.Name)
		}
	case st.Mode.IsUpload():
		if st.Category == "" {
			return fmt.Errorf("graph %s: upload stage %s needs a category", name, st.Name)
		}
		if (st.Multiple || st.Confirm) && !hasOptionExit {
			return fmt.Errorf("graph %s: upload stage %s has no continue option", name, st.Name)
		}
		if !st.Multiple && !st.Confirm && st.Next == "" {
			return fmt.Errorf("graph %s: single-valued upload stage %s has no next stage", name, st.Name)
		}
	}
	return nil
}

func (g *Graph) validateTopology() error {
	name := g.def.Name
	reached := map[string]bool{g.def.Start: true}
	queue := []string{g.def.Start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.stages[cur].edges() {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, st := range g.def.Stages {
		if !reached[st.Name] {
			return fmt.Errorf("graph %s: stage %s is unreachable from %s", name, st.Name, g.def.Start)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var visit func(string) error
	visit = func(n string) error {
		state[n] = visiting
		for _, next := range g.stages[n].edges() {
			switch state[next] {
			case visiting:
				return fmt.Errorf("graph %s: cycle through %s -> %s", name, n, next)
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		state[n] = done
		return nil
	}
	if err := visit(g.def.Start); err != nil {
		return err
	}

	// every stage must be able to finish
	reverse := map[string][]string{}
	for _, st := range g.def.Stages {
		for _, next := range st.edges() {
			reverse[next] = append(reverse[next], st.Name)
		}
	}
	finishes := map[string]bool{g.def.Terminal: true}
	queue = []string{g.def.Terminal}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[cur] {
			if !finishes[prev] {
				finishes[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	for _, st := range g.def.Stages {
		if !finishes[st.Name] {
			return fmt.Errorf("graph %s: stage %s cannot reach terminal stage %s", name, st.Name, g.def.Terminal)
		}
	}
	return nil
}

func (g *Graph) Name() string     { return g.def.Name }
func (g *Graph) Title() string    { return g.def.Title }
func (g *Graph) Start() string    { return g.def.Start }
func (g *Graph) Terminal() string { return g.def.Terminal }

// Definition returns a copy of the definition the graph was built from.
func (g *Graph) Definition() Definition {
	def := g.def
	def.Stages = append([]Stage(nil), g.def.Stages...)
	return def
}

func (g *Graph) Stage(name string) (Stage, bool) {
	st, ok := g.stages[name]
	return st, ok
}

// Stages returns the stages in declaration order.
func (g *Graph) Stages() []Stage {
	return append([]Stage(nil), g.def.Stages...)
}

// Prompt renders the stage prompt against the collected fields.
func (g *Graph) Prompt(stage string, fields domain.Fields) (string, error) {
	tmpl, ok := g.prompts[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}
	data := make(map[string]string, len(fields))
	for k := range fields {
		data[k] = fields.String(k)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", stage, err)
	}
	return buf.String(), nil
}
