// Package generate provides the mock result generators behind each tool. They
// wait an artificial delay and return canned, template-interpolated payloads.
package generate

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"jubee/internal/clock"
	"jubee/internal/config"
	"jubee/internal/domain"
	"jubee/internal/intake"
)

type Options struct {
	Delay time.Duration
	Clock clock.Clock
}

func (o Options) wait(ctx context.Context) error {
	if o.Delay <= 0 {
		return ctx.Err()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real()
	}
	done := make(chan struct{})
	t := clk.AfterFunc(o.Delay, func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

// ForKind returns the mock generator registered under kind.
func ForKind(kind string, opts Options) (intake.Generator, error) {
	switch kind {
	case config.GeneratorDraft:
		return Draft(opts), nil
	case config.GeneratorPrecheck:
		return Precheck(opts), nil
	case config.GeneratorStrength:
		return Strength(opts), nil
	}
	return nil, fmt.Errorf("unknown generator %q", kind)
}

// FromConfig builds one generator per configured tool.
func FromConfig(cfg *config.Config, clk clock.Clock) (map[string]intake.Generator, error) {
	opts := Options{Delay: cfg.Engine.GenerationDelay, Clock: clk}
	out := make(map[string]intake.Generator, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		gen, err := ForKind(tool.Generator, opts)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", tool.Name, err)
		}
		out[tool.Name] = gen
	}
	return out, nil
}

var draftTemplate = template.Must(template.New("draft").Funcs(template.FuncMap{
	"upper":  strings.ToUpper,
	"either": orDefault,
}).Parse(`IN THE {{upper (either .jurisdiction "Court of Competent Jurisdiction")}}

{{either .clientName "The Petitioner"}}
    ... Petitioner
VERSUS
{{either .counterPartyName "The Respondent"}}
    ... Respondent

{{upper .title}}

MOST RESPECTFULLY SHOWETH:

1. That the {{.who}} is filing the present {{.kind}} through counsel.
2. That the facts and documents relied upon are annexed herewith{{if .documents}} ({{.documents}}){{end}}.
{{- if .judges}}
3. That the matter is listed before {{.judges}}.
{{- end}}
{{- if .additionalDetails}}

ADDITIONAL FACTS
{{.additionalDetails}}
{{- end}}

PRAYER

It is therefore most respectfully prayed that this Hon'ble Court may be pleased to grant:
{{either .reliefSought "such relief as it deems fit"}}
`))

// draftFields are the collected fields the draft template reads. Tools that
// do not collect some of them still render with the fallbacks.
var draftFields = []string{"jurisdiction", "clientName", "counterPartyName", "judges", "additionalDetails", "reliefSought"}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

var docTitles = map[string]string{
	"petition":          "Petition",
	"written-statement": "Written Statement",
	"legal-notice":      "Legal Notice",
	"affidavit":         "Affidavit",
	"contract":          "Contract",
}

// Draft returns the drafting generator.
func Draft(opts Options) intake.Generator {
	return intake.GeneratorFunc(func(ctx context.Context, req intake.GenerateRequest) (domain.ResultPayload, error) {
		if err := opts.wait(ctx); err != nil {
			return nil, err
		}
		docType := req.Fields.String("docType")
		title, ok := docTitles[docType]
		if !ok {
			title = orDefault(docType, "Draft")
		}
		data := make(map[string]string, len(draftFields)+len(req.Fields))
		for _, k := range draftFields {
			data[k] = ""
		}
		for k := range req.Fields {
			data[k] = req.Fields.String(k)
		}
		data["title"] = title
		data["kind"] = strings.ToLower(title)
		data["who"] = "Petitioner"
		var names []string
		for _, category := range []string{"style", "supporting", "caselaw"} {
			for _, d := range req.Documents[category] {
				names = append(names, d.Name)
			}
		}
		data["documents"] = strings.Join(names, ", ")

		var buf bytes.Buffer
		if err := draftTemplate.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render draft: %w", err)
		}
		heading := title
		if client := req.Fields.String("clientName"); client != "" {
			heading = fmt.Sprintf("%s for %s", title, client)
		}
		return domain.Draft{Title: heading, Body: buf.String()}, nil
	})
}

// Precheck returns the scrutiny generator. The defect list is canned.
func Precheck(opts Options) intake.Generator {
	return intake.GeneratorFunc(func(ctx context.Context, req intake.GenerateRequest) (domain.ResultPayload, error) {
		if err := opts.wait(ctx); err != nil {
			return nil, err
		}
		location := "Main petition"
		if docs := req.Documents["petition"]; len(docs) > 0 {
			location = docs[0].Name
		}
		return domain.DefectReport{Defects: []domain.Defect{
			{
				Code:        "D-101",
				Severity:    "major",
				Description: "Memo of parties does not give the complete address of the respondent.",
				Location:    location + ", page 2",
			},
			{
				Code:        "D-214",
				Severity:    "minor",
				Description: "Index pages are not numbered consecutively.",
				Location:    location + ", index",
			},
			{
				Code:        "D-305",
				Severity:    "minor",
				Description: fmt.Sprintf("Vakalatnama on behalf of %s is not signed on every page.", orDefault(req.Fields.String("petitionerName"), "the petitioner")),
			},
		}}, nil
	})
}

var cannedPrecedents = []domain.PrecedentScore{
	{Citation: "(2017) 10 SCC 1", Court: "Supreme Court of India", Relevance: 88, Holding: "Right to privacy is a fundamental right."},
	{Citation: "AIR 1978 SC 597", Court: "Supreme Court of India", Relevance: 74, Holding: "Procedure established by law must be fair, just and reasonable."},
	{Citation: "2019 SCC OnLine Del 8000", Court: "Delhi High Court", Relevance: 61, Holding: "Delay alone does not defeat a writ where rights continue to be violated."},
}

// Strength returns the precedent strength generator. Scores are canned; picked
// case law is echoed back in pick order.
func Strength(opts Options) intake.Generator {
	return intake.GeneratorFunc(func(ctx context.Context, req intake.GenerateRequest) (domain.ResultPayload, error) {
		if err := opts.wait(ctx); err != nil {
			return nil, err
		}
		precedents := append([]domain.PrecedentScore(nil), cannedPrecedents...)
		if picked := req.Documents["caselaw"]; len(picked) > 0 {
			precedents = precedents[:0]
			for i, d := range picked {
				c := cannedPrecedents[i%len(cannedPrecedents)]
				c.Citation = strings.TrimSuffix(d.Name, "."+d.MimeOrExt)
				precedents = append(precedents, c)
			}
		}
		court := orDefault(req.Fields.String("forum"), "the forum")
		return domain.StrengthReport{
			Score:      72,
			Verdict:    "favourable before " + court,
			Precedents: precedents,
		}, nil
	})
}
