// internal/workflow/definition.go
package workflow

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// LoadDefinition reads a YAML workflow file and validates it.
func LoadDefinition(path string) (schemas.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schemas.Workflow{}, fmt.Errorf("read workflow definition: %w", err)
	}
	var wf schemas.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return schemas.Workflow{}, fmt.Errorf("parse workflow definition %s: %w", path, err)
	}
	if err := Validate(wf); err != nil {
		return schemas.Workflow{}, fmt.Errorf("workflow definition %s: %w", path, err)
	}
	return wf, nil
}

// Resolve picks the workflow for a run: the definition file when one is
// configured, otherwise the built-in table. A definition without a start
// URL inherits the target's.
func Resolve(cfg config.WorkflowConfig, target config.TargetConfig) (schemas.Workflow, error) {
	if cfg.File == "" {
		wf := DefaultWorkflow(cfg, target)
		return wf, Validate(wf)
	}
	wf, err := LoadDefinition(cfg.File)
	if err != nil {
		return schemas.Workflow{}, err
	}
	if wf.StartURL == "" {
		wf.StartURL = startURL(cfg, target)
	}
	return wf, nil
}

func startURL(cfg config.WorkflowConfig, target config.TargetConfig) string {
	base, err := url.Parse(target.BaseURL)
	if err != nil || cfg.StartPath == "" {
		return target.BaseURL
	}
	ref, err := url.Parse(cfg.StartPath)
	if err != nil {
		return target.BaseURL
	}
	return base.ResolveReference(ref).String()
}

// Validate checks a transition table: states only move forward (TRANSFORM
// may repeat), every interaction has a target, and exactly one download
// step ends the forward path, followed by nothing but VERIFY.
func Validate(wf schemas.Workflow) error {
	if len(wf.Steps) == 0 {
		return errors.New("workflow has no steps")
	}
	first := wf.Steps[0]
	if first.Action != schemas.ActionNavigate || first.State != schemas.StateNavStart {
		return fmt.Errorf("first step %q must navigate in %s", first.Name, schemas.StateNavStart)
	}

	var errs []error
	names := map[string]bool{}
	prev := -1
	downloads := 0
	for i, step := range wf.Steps {
		where := fmt.Sprintf("step %d (%s)", i, step.Name)
		if step.Name == "" {
			errs = append(errs, fmt.Errorf("step %d has no name", i))
		} else if names[step.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name", where))
		}
		names[step.Name] = true

		rank := step.State.Rank()
		switch {
		case rank < 0 || step.State == schemas.StateDone:
			errs = append(errs, fmt.Errorf("%s: state %q cannot appear in a workflow", where, step.State))
		case rank < prev:
			errs = append(errs, fmt.Errorf("%s: state %s goes backwards", where, step.State))
		default:
			prev = rank
		}

		switch step.Severity {
		case "", schemas.SeverityFatal, schemas.SeverityRecoverable:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown severity %q", where, step.Severity))
		}
		if step.Timeout < 0 || step.Settle < 0 {
			errs = append(errs, fmt.Errorf("%s: negative timeout or settle", where))
		}

		switch step.Action {
		case schemas.ActionNavigate:
		case schemas.ActionClick, schemas.ActionFill, schemas.ActionPress, schemas.ActionDownload:
			if step.Target == nil {
				errs = append(errs, fmt.Errorf("%s: %s needs a target", where, step.Action))
			} else if err := step.Target.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
		case schemas.ActionWaitFor:
			switch {
			case step.Poll != nil:
				if err := step.Poll.Target.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("%s: poll: %w", where, err))
				}
				if step.Poll.Interval < 0 || step.Poll.MaxIterations < 0 {
					errs = append(errs, fmt.Errorf("%s: poll bounds must not be negative", where))
				}
			case step.Target != nil:
				if err := step.Target.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", where, err))
				}
			default:
				errs = append(errs, fmt.Errorf("%s: wait_for needs a target or a poll", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown action %q", where, step.Action))
		}

		if step.Action == schemas.ActionDownload {
			downloads++
			if step.State != schemas.StateDownload {
				errs = append(errs, fmt.Errorf("%s: download must run in %s", where, schemas.StateDownload))
			}
			if step.Recoverable() {
				errs = append(errs, fmt.Errorf("%s: the download step cannot be recoverable", where))
			}
			for _, after := range wf.Steps[i+1:] {
				if after.State != schemas.StateVerify {
					errs = append(errs, fmt.Errorf("%s: step %q follows the download outside %s", where, after.Name, schemas.StateVerify))
					break
				}
			}
		}
	}
	if downloads != 1 {
		errs = append(errs, fmt.Errorf("workflow needs exactly one download step, has %d", downloads))
	}
	return errors.Join(errs...)
}

func query(name string, strategies ...schemas.Strategy) *schemas.ElementQuery {
	return &schemas.ElementQuery{Name: name, Strategies: strategies}
}

func cssS(v string) schemas.Strategy { return schemas.Strategy{Kind: schemas.StrategyCSS, Value: v} }

func role(r, text string) schemas.Strategy {
	return schemas.Strategy{Kind: schemas.StrategyRoleText, Role: r, Value: text}
}

func heuristic(keywords ...string) schemas.Strategy {
	return schemas.Strategy{Kind: schemas.StrategyHeuristic, Keywords: keywords}
}

// transform builds the open panel, fill, submit and poll steps for one
// named parameter. They are skipped when the run does not set it.
func transform(name, label string, cfg config.WorkflowConfig) []schemas.WorkflowStep {
	when := fmt.Sprintf(`{{index .Transforms %q}}`, name)
	return []schemas.WorkflowStep{
		{
			Name: "open-" + name + "-panel", State: schemas.StateTransform, Action: schemas.ActionClick, When: when,
			Target: query(label+" panel",
				cssS(fmt.Sprintf(`[data-testid="%s-panel-toggle"]`, name)),
				role("button", label),
				heuristic(strings.ToLower(label)),
			),
		},
		{
			Name: "fill-" + name, State: schemas.StateTransform, Action: schemas.ActionFill, When: when,
			Value: when,
			Target: query(label+" input",
				cssS(fmt.Sprintf(`input[name="%s"]`, name)),
				schemas.Strategy{Kind: schemas.StrategyAttributeScan, Attribute: "aria-label", Value: label},
				schemas.Strategy{Kind: schemas.StrategyAttributeScan, Attribute: "placeholder", Value: label},
			),
		},
		{
			Name: "apply-" + name, State: schemas.StateTransform, Action: schemas.ActionClick, When: when,
			Target: query("apply "+name,
				cssS(`[data-testid="transform-apply"]`),
				role("button", "apply"),
				heuristic("apply", "generate", "update"),
			),
		},
		{
			Name: "await-" + name, State: schemas.StateTransform, Action: schemas.ActionWaitFor, When: when,
			Poll: &schemas.PollSpec{
				Target: schemas.ElementQuery{Name: name + " complete", Strategies: []schemas.Strategy{
					cssS(`[data-testid="transform-complete"]`),
					{Kind: schemas.StrategyTextScan, Value: "ready"},
				}},
				Interval:      cfg.TransformPollInterval,
				MaxIterations: cfg.TransformPollMax,
			},
		},
	}
}

// DefaultWorkflow is the built-in transition table for the target product:
// open the library, search, open the first (most recent) result, apply
// optional duration and style transforms, then export.
func DefaultWorkflow(cfg config.WorkflowConfig, target config.TargetConfig) schemas.Workflow {
	searchInput := query("search input",
		cssS(`input[type="search"]`),
		cssS(`input[placeholder*=Search]`),
		heuristic("search"),
	)

	steps := []schemas.WorkflowStep{
		{Name: "open-start", State: schemas.StateNavStart, Action: schemas.ActionNavigate},
		{Name: "fill-search", State: schemas.StateSearch, Action: schemas.ActionFill, Target: searchInput, Value: "{{.SearchText}}"},
		{Name: "submit-search", State: schemas.StateSearch, Action: schemas.ActionPress, Target: searchInput, Value: "Enter"},
		{
			Name: "open-first-result", State: schemas.StateSelectResult, Action: schemas.ActionClick,
			Target: query("first search result",
				schemas.Strategy{Kind: schemas.StrategyCSS, Value: `[data-testid="search-result"]`, PreferMostRecent: true},
				schemas.Strategy{Kind: schemas.StrategyRoleText, Role: "link", Value: "{{.SearchText}}", PreferMostRecent: true},
				schemas.Strategy{Kind: schemas.StrategyTextScan, Value: "{{.SearchText}}", Scope: "main", PreferMostRecent: true},
			),
		},
		{
			Name: "confirm-detail", State: schemas.StateConfirmLoaded, Action: schemas.ActionWaitFor,
			Target: query("item detail",
				cssS(`[data-testid="item-title"]`),
				schemas.Strategy{Kind: schemas.StrategyTextScan, Value: "{{.SearchText}}", Scope: "h1, h2, header"},
			),
		},
	}
	steps = append(steps, transform("duration", "Duration", cfg)...)
	steps = append(steps, transform("style", "Style", cfg)...)
	steps = append(steps,
		schemas.WorkflowStep{
			Name: "open-export", State: schemas.StateDownload, Action: schemas.ActionClick,
			Target: query("export menu",
				cssS(`[data-testid="export-menu"]`),
				role("button", "export"),
				heuristic("export", "download"),
			),
		},
		schemas.WorkflowStep{
			// The UI falls back to its own default format when this is missing.
			Name: "select-format", State: schemas.StateDownload, Action: schemas.ActionClick, Severity: schemas.SeverityRecoverable,
			Timeout: 5 * time.Second,
			Target: query("format option",
				cssS(`[data-format="{{.Format}}"]`),
				role("menuitemradio", "{{.Format}}"),
				role("option", "{{.Format}}"),
			),
		},
		schemas.WorkflowStep{
			Name: "download", State: schemas.StateDownload, Action: schemas.ActionDownload,
			Target: query("download button",
				cssS(`[data-testid="download-button"]`),
				role("button", "download"),
				cssS(`a[download]`),
				heuristic("download", "export file"),
			),
		},
	)

	return schemas.Workflow{Name: "default", StartURL: startURL(cfg, target), Steps: steps}
}
