// Package portal turns the configured page interactions into job operations,
// one per job type.
//
// Every step opens a URL rendered from a text/template, optionally waits for
// a selector, evaluates a script with the item in scope and optionally clicks
// a submit element. The script may return an object
//
//	{"status": "SUCCESS|FAILED", "error": "...", "fields": {...}}
//
// or nothing, which counts as success.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/valuation-tools/tabctl/internal/job"
	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/tabs"
)

// Outcome and payload field names used by check-status and grab-ids.
const (
	FieldPages    = "pages"
	FieldRows     = "rows"
	FieldAssets   = "assets_estimate"
	FieldExpected = "expected_assets"
	FieldIDs      = "ids"
	FieldCount    = "count"
)

type Portal struct {
	cfg      model.Portal
	pageSize int
	jobID    string
}

func New(cfg model.Config) *Portal {
	return &Portal{cfg: cfg.Portal, pageSize: max(cfg.Jobs.PageSize, 1)}
}

// WithJob returns a copy rendering {{.JobID}} as jobID.
func (p *Portal) WithJob(jobID string) *Portal {
	cp := *p
	cp.jobID = jobID
	return &cp
}

// Operation returns the operation for jobType. It fails for unknown types
// and for steps without a URL or with a malformed URL template.
func (p *Portal) Operation(jobType model.JobType) (job.Operation, error) {
	var s model.Step
	switch jobType {
	case model.JobTypeCreateItems:
		s = p.cfg.Create
	case model.JobTypeFillItems:
		s = p.cfg.Fill
	case model.JobTypeCheckStatus:
		s = p.cfg.Check
	case model.JobTypeGrabIDs:
		s = p.cfg.Grab
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownJobType, jobType)
	}
	st, err := p.compile(jobType, s)
	if err != nil {
		return nil, err
	}

	switch jobType {
	case model.JobTypeCheckStatus:
		return job.OperationFunc(func(ctx context.Context, page tabs.Page, item model.WorkItem) (model.ItemOutcome, error) {
			return checkStatus(ctx, st, page, item, p.pageSize)
		}), nil
	case model.JobTypeGrabIDs:
		return job.OperationFunc(func(ctx context.Context, page tabs.Page, item model.WorkItem) (model.ItemOutcome, error) {
			return grabIDs(ctx, st, page, item)
		}), nil
	default:
		return job.OperationFunc(st.do), nil
	}
}

type step struct {
	jobType model.JobType
	baseURL string
	jobID   string
	url     *template.Template
	model.Step
}

func (p *Portal) compile(jobType model.JobType, s model.Step) (*step, error) {
	if s.URL == "" {
		return nil, fmt.Errorf("portal.%s.url: not configured", stepKey(jobType))
	}
	tmpl, err := template.New(string(jobType)).Option("missingkey=error").Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("portal.%s.url: %w", stepKey(jobType), err)
	}
	return &step{
		jobType: jobType,
		baseURL: strings.TrimRight(p.cfg.BaseURL, "/"),
		jobID:   p.jobID,
		url:     tmpl,
		Step:    s,
	}, nil
}

func stepKey(jobType model.JobType) string {
	switch jobType {
	case model.JobTypeCreateItems:
		return "create"
	case model.JobTypeFillItems:
		return "fill"
	case model.JobTypeCheckStatus:
		return "check"
	default:
		return "grab"
	}
}

type urlData struct {
	BaseURL string
	JobID   string
	ID      string
	Payload map[string]any
}

func (s *step) render(item model.WorkItem) (string, error) {
	var buf bytes.Buffer
	err := s.url.Execute(&buf, urlData{BaseURL: s.baseURL, JobID: s.jobID, ID: item.ID, Payload: item.Payload})
	if err != nil {
		return "", fmt.Errorf("rendering url: %w", err)
	}
	return buf.String(), nil
}

// scriptResult is what a step script may return.
type scriptResult struct {
	Status model.Status   `json:"status"`
	Error  string         `json:"error"`
	Fields map[string]any `json:"fields"`
}

// do runs the common part of every step and converts the script result into
// an outcome.
func (s *step) do(ctx context.Context, page tabs.Page, item model.WorkItem) (model.ItemOutcome, error) {
	res, err := s.run(ctx, page, item)
	if err != nil {
		return model.ItemOutcome{}, err
	}
	return res.outcome(), nil
}

func (s *step) run(ctx context.Context, page tabs.Page, item model.WorkItem) (scriptResult, error) {
	var res scriptResult
	url, err := s.render(item)
	if err != nil {
		return res, err
	}
	if err := page.Navigate(ctx, url); err != nil {
		return res, fmt.Errorf("opening %s: %w", url, err)
	}
	if s.Wait != "" {
		if err := page.WaitFor(ctx, s.Wait); err != nil {
			return res, fmt.Errorf("waiting for %q: %w", s.Wait, err)
		}
	}
	if s.Script != "" {
		script, err := wrapScript(s.Script, item)
		if err != nil {
			return res, err
		}
		if err := page.Evaluate(ctx, script, &res); err != nil {
			return res, fmt.Errorf("evaluating %s script: %w", s.jobType, err)
		}
	}
	if s.Submit != "" {
		el, err := page.Find(ctx, s.Submit)
		if err != nil {
			return res, fmt.Errorf("finding %q: %w", s.Submit, err)
		}
		if el == nil {
			return res, fmt.Errorf("submit element %q not found", s.Submit)
		}
		if err := el.Click(ctx); err != nil {
			return res, fmt.Errorf("clicking %q: %w", s.Submit, err)
		}
	}
	return res, nil
}

// wrapScript exposes the item as `item` and turns an undefined result into
// null.
func wrapScript(body string, item model.WorkItem) (string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encoding item %s: %w", item.ID, err)
	}
	return fmt.Sprintf("((item) => {\n%s\n})(%s) ?? null", body, raw), nil
}

func (r scriptResult) outcome() model.ItemOutcome {
	o := model.ItemOutcome{Status: r.Status, Error: r.Error}
	if o.Status == "" {
		o.Status = model.StatusSuccess
		if r.Error != "" {
			o.Status = model.StatusFailed
		}
	}
	if len(r.Fields) > 0 {
		o.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			o.Fields[k] = stringify(v)
		}
	}
	return o
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = stringify(x)
		}
		return strings.Join(parts, ",")
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}
