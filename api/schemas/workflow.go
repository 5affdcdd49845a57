package schemas

import "time"

// -- Workflow Schemas --

// State is a named phase of the automation state machine.
type State string

const (
	StateNavStart      State = "NAV_START"
	StateSearch        State = "SEARCH"
	StateSelectResult  State = "SELECT_RESULT"
	StateConfirmLoaded State = "CONFIRM_LOADED"
	StateTransform     State = "TRANSFORM"
	StateDownload      State = "DOWNLOAD"
	StateVerify        State = "VERIFY"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// stateRank is the canonical order of the forward path. FAILED is terminal
// and reachable from anywhere, so it has no rank.
var stateRank = map[State]int{
	StateNavStart:      0,
	StateSearch:        1,
	StateSelectResult:  2,
	StateConfirmLoaded: 3,
	StateTransform:     4,
	StateDownload:      5,
	StateVerify:        6,
	StateDone:          7,
}

// Rank returns the position of s on the forward path, or -1 for FAILED and unknown states.
func (s State) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ActionKind is the UI interaction a step performs.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionClick    ActionKind = "click"
	ActionFill     ActionKind = "fill"
	ActionPress    ActionKind = "press"
	ActionWaitFor  ActionKind = "wait_for"
	ActionDownload ActionKind = "download"
)

// Severity decides whether a failed step ends the run.
type Severity string

const (
	SeverityFatal       Severity = "fatal"
	SeverityRecoverable Severity = "recoverable"
)

// PollSpec bounds the wait for a control that appears after asynchronous work.
type PollSpec struct {
	Target        ElementQuery  `json:"target" yaml:"target"`
	Interval      time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// WorkflowStep is one row of the state machine transition table.
type WorkflowStep struct {
	Name   string        `json:"name" yaml:"name"`
	State  State         `json:"state" yaml:"state"`
	Action ActionKind    `json:"action" yaml:"action"`
	Target *ElementQuery `json:"target,omitempty" yaml:"target,omitempty"`
	// Value is a text/template over RunParams: the URL for navigate, the text
	// for fill, the key name for press.
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	// When is a template; the step is skipped when it renders empty.
	When     string        `json:"when,omitempty" yaml:"when,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Settle   time.Duration `json:"settle,omitempty" yaml:"settle,omitempty"`
	Severity Severity      `json:"severity,omitempty" yaml:"severity,omitempty"`
	Poll     *PollSpec     `json:"poll,omitempty" yaml:"poll,omitempty"`
}

// Recoverable reports whether a failure of this step lets the run continue.
func (s WorkflowStep) Recoverable() bool {
	return s.Severity == SeverityRecoverable
}

// Workflow is the ordered transition table for one product.
type Workflow struct {
	Name     string         `json:"name" yaml:"name"`
	StartURL string         `json:"start_url" yaml:"start_url"`
	Steps    []WorkflowStep `json:"steps" yaml:"steps"`
}

// RunParams are the caller supplied inputs for one run.
type RunParams struct {
	SearchText string            `json:"search_text"`
	ContextID  string            `json:"context_id"`
	Parameter  string            `json:"parameter"`
	Transforms map[string]string `json:"transforms,omitempty"`
	OutputDir  string            `json:"output_dir,omitempty"`
}
