package domain

import (
	"encoding/json"
	"fmt"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

type Status string

const (
	StatusCollecting Status = "collecting"
	StatusGenerating Status = "generating"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

type InputMode string

const (
	ModeChoiceSingle InputMode = "choice-single"
	ModeChoiceMulti  InputMode = "choice-multi-chips"
	ModeFreeText     InputMode = "free-text"
	ModeFreeTextarea InputMode = "free-textarea"
	ModeFileUpload   InputMode = "file-upload"
	ModePicker       InputMode = "external-picker"
	ModeNone         InputMode = "none"
)

// Known reports whether m is one of the declared input modes.
func (m InputMode) Known() bool {
	switch m {
	case ModeChoiceSingle, ModeChoiceMulti, ModeFreeText, ModeFreeTextarea, ModeFileUpload, ModePicker, ModeNone:
		return true
	}
	return false
}

func (m InputMode) IsChoice() bool { return m == ModeChoiceSingle || m == ModeChoiceMulti }
func (m InputMode) IsText() bool   { return m == ModeFreeText || m == ModeFreeTextarea }
func (m InputMode) IsUpload() bool { return m == ModeFileUpload || m == ModePicker }

type OptionChip struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Turn is one chat entry. IDs are monotonic within a session; creation order is display order.
type Turn struct {
	ID             int64         `json:"id"`
	Speaker        Speaker       `json:"speaker"`
	Stage          string        `json:"stage,omitempty"`
	Text           string        `json:"text"`
	OptionChips    []OptionChip  `json:"option_chips,omitempty"`
	Attachments    []DocumentRef `json:"attachments,omitempty"`
	SelectionChips []string      `json:"selection_chips,omitempty"`
	CreatedAt      string        `json:"created_at" format:"date-time"`
}

// Clone returns a deep copy of t.
func (t Turn) Clone() Turn {
	c := t
	c.OptionChips = append([]OptionChip(nil), t.OptionChips...)
	c.Attachments = append([]DocumentRef(nil), t.Attachments...)
	c.SelectionChips = append([]string(nil), t.SelectionChips...)
	return c
}

// FileDescriptor is what an upload or external picker hands to the engine.
type FileDescriptor struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// DocumentRef is an immutable handle to an uploaded or selected file.
type DocumentRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeOrExt string `json:"mime_or_ext,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Category  string `json:"category"`
}

// Fields is the collected-field accumulator. Values are string or []string.
type Fields map[string]any

// Clone copies the map and any list values.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if list, ok := v.([]string); ok {
			out[k] = append([]string(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}

// String returns the value of key as a string; lists are joined with ", ".
func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case []string:
		out := ""
		for i, s := range v {
			if i > 0 {
				out += ", "
			}
			out += s
		}
		return out
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// List returns the value of key as a list.
func (f Fields) List(key string) []string {
	switch v := f[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

type PayloadKind string

const (
	PayloadDraft    PayloadKind = "draft"
	PayloadDefects  PayloadKind = "defects"
	PayloadStrength PayloadKind = "strength"
)

// ResultPayload is the opaque artifact produced at wizard completion.
type ResultPayload interface {
	Kind() PayloadKind
	Summary() string
}

type Draft struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (Draft) Kind() PayloadKind { return PayloadDraft }
func (d Draft) Summary() string { return d.Title }

type Defect struct {
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

type DefectReport struct {
	Defects []Defect `json:"defects"`
}

func (DefectReport) Kind() PayloadKind { return PayloadDefects }
func (r DefectReport) Summary() string {
	return fmt.Sprintf("%d defect(s) found", len(r.Defects))
}

type PrecedentScore struct {
	Citation  string `json:"citation"`
	Court     string `json:"court"`
	Relevance int    `json:"relevance"`
	Holding   string `json:"holding"`
}

type StrengthReport struct {
	Score      int              `json:"score"`
	Verdict    string           `json:"verdict"`
	Precedents []PrecedentScore `json:"precedents"`
}

func (StrengthReport) Kind() PayloadKind { return PayloadStrength }
func (r StrengthReport) Summary() string {
	return fmt.Sprintf("Precedent strength %d/100 (%s)", r.Score, r.Verdict)
}

type payloadEnvelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes p with a kind discriminator.
func MarshalPayload(p ResultPayload) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalPayload decodes a payload written by MarshalPayload.
func UnmarshalPayload(raw []byte) (ResultPayload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	switch env.Kind {
	case PayloadDraft:
		var d Draft
		err := json.Unmarshal(env.Data, &d)
		return d, err
	case PayloadDefects:
		var r DefectReport
		err := json.Unmarshal(env.Data, &r)
		return r, err
	case PayloadStrength:
		var r StrengthReport
		err := json.Unmarshal(env.Data, &r)
		return r, err
	}
	return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
}

// Event is one persisted session event.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Tool      string `json:"tool,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

// SessionRecord is the persisted row for a session.
type SessionRecord struct {
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Status    Status `json:"status"`
	Stage     string `json:"stage"`
	OwnerID   string `json:"owner_id"`
	Snapshot  string `json:"snapshot_json"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// APIKey is a hashed credential mapping to an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
