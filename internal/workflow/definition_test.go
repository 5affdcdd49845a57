// internal/workflow/definition_test.go
package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
)

var testTarget = config.TargetConfig{BaseURL: "https://studio.example.com", AuthMarkers: []string{"/login"}}

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{StartPath: "/library", TransformPollInterval: 2 * time.Second, TransformPollMax: 15}
}

func TestDefaultWorkflow(t *testing.T) {
	wf := DefaultWorkflow(testWorkflowConfig(), testTarget)
	require.NoError(t, Validate(wf))
	assert.Equal(t, "https://studio.example.com/library", wf.StartURL)

	var states []schemas.State
	for _, s := range wf.Steps {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	assert.Equal(t, []schemas.State{
		schemas.StateNavStart, schemas.StateSearch, schemas.StateSelectResult,
		schemas.StateConfirmLoaded, schemas.StateTransform, schemas.StateDownload,
	}, states)

	last := wf.Steps[len(wf.Steps)-1]
	assert.Equal(t, schemas.ActionDownload, last.Action)
	assert.False(t, last.Recoverable())

	for _, s := range wf.Steps {
		if s.Name == "select-format" {
			assert.True(t, s.Recoverable(), "a missing format pre-selector must not end the run")
		}
		if s.Poll != nil {
			assert.Equal(t, 2*time.Second, s.Poll.Interval)
			assert.Equal(t, 15, s.Poll.MaxIterations)
		}
	}
}

func TestValidate(t *testing.T) {
	target := &schemas.ElementQuery{Name: "t", Strategies: []schemas.Strategy{{Kind: schemas.StrategyCSS, Value: "#x"}}}
	nav := schemas.WorkflowStep{Name: "open", State: schemas.StateNavStart, Action: schemas.ActionNavigate}
	dl := schemas.WorkflowStep{Name: "dl", State: schemas.StateDownload, Action: schemas.ActionDownload, Target: target}

	tests := []struct {
		name    string
		steps   []schemas.WorkflowStep
		wantErr string
	}{
		{"minimal", []schemas.WorkflowStep{nav, dl}, ""},
		{"empty", nil, "no steps"},
		{"no leading navigate", []schemas.WorkflowStep{dl}, "must navigate"},
		{"backwards", []schemas.WorkflowStep{nav,
			{Name: "a", State: schemas.StateSelectResult, Action: schemas.ActionClick, Target: target},
			{Name: "b", State: schemas.StateSearch, Action: schemas.ActionClick, Target: target}, dl}, "goes backwards"},
		{"repeated transform", []schemas.WorkflowStep{nav,
			{Name: "a", State: schemas.StateTransform, Action: schemas.ActionClick, Target: target},
			{Name: "b", State: schemas.StateTransform, Action: schemas.ActionClick, Target: target}, dl}, ""},
		{"missing target", []schemas.WorkflowStep{nav, {Name: "a", State: schemas.StateSearch, Action: schemas.ActionFill}, dl}, "needs a target"},
		{"no download", []schemas.WorkflowStep{nav}, "exactly one download step, has 0"},
		{"two downloads", []schemas.WorkflowStep{nav, dl, {Name: "dl2", State: schemas.StateDownload, Action: schemas.ActionDownload, Target: target}}, "has 2"},
		{"step after download", []schemas.WorkflowStep{nav, dl, {Name: "late", State: schemas.StateDownload, Action: schemas.ActionClick, Target: target}}, "follows the download"},
		{"unknown action", []schemas.WorkflowStep{nav, {Name: "a", State: schemas.StateSearch, Action: "hover"}, dl}, "unknown action"},
		{"duplicate names", []schemas.WorkflowStep{nav, {Name: "open", State: schemas.StateSearch, Action: schemas.ActionClick, Target: target}, dl}, "duplicate name"},
		{"wait_for without target", []schemas.WorkflowStep{nav, {Name: "w", State: schemas.StateTransform, Action: schemas.ActionWaitFor}, dl}, "target or a poll"},
		{"failed state", []schemas.WorkflowStep{nav, {Name: "x", State: schemas.StateFailed, Action: schemas.ActionNavigate}, dl}, "cannot appear"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(schemas.Workflow{Steps: tc.steps})
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

const definitionYAML = `
name: custom
steps:
  - name: open
    state: NAV_START
    action: navigate
    value: /library?q={{.SearchText}}
  - name: await-render
    state: TRANSFORM
    action: wait_for
    poll:
      interval: 500ms
      max_iterations: 4
      target:
        name: done
        strategies:
          - kind: css
            value: "#done"
  - name: export
    state: DOWNLOAD
    action: download
    timeout: 30s
    target:
      name: download button
      strategies:
        - kind: css
          value: "#dl"
        - kind: heuristic
          keywords: [download]
`

func TestLoadDefinitionAndResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definitionYAML), 0o644))

	wf, err := LoadDefinition(path)
	require.NoError(t, err)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, 30*time.Second, wf.Steps[2].Timeout)
	assert.Equal(t, schemas.StrategyHeuristic, wf.Steps[2].Target.Strategies[1].Kind)
	assert.Equal(t, []string{"download"}, wf.Steps[2].Target.Strategies[1].Keywords)
	assert.Equal(t, 500*time.Millisecond, wf.Steps[1].Poll.Interval)

	cfg := testWorkflowConfig()
	cfg.File = path
	resolved, err := Resolve(cfg, testTarget)
	require.NoError(t, err)
	assert.Equal(t, "custom", resolved.Name)
	assert.Equal(t, "https://studio.example.com/library", resolved.StartURL, "start URL inherited from target")

	builtin, err := Resolve(testWorkflowConfig(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, "default", builtin.Name)

	t.Run("invalid file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("steps:\n  - name: x\n    state: SEARCH\n    action: click\n"), 0o644))
		_, err := LoadDefinition(bad)
		assert.ErrorContains(t, err, "must navigate")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadDefinition(filepath.Join(t.TempDir(), "none.yaml"))
		assert.Error(t, err)
	})
}
