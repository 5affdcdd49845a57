package schemas

// -- Run Result Schemas --

// DownloadArtifact describes a captured file. It is only ever returned once
// the size and header checks have passed.
type DownloadArtifact struct {
	SuggestedName string `json:"suggested_name"`
	SavedPath     string `json:"saved_path"`
	SizeBytes     int64  `json:"size_bytes"`
	HeaderBytes   []byte `json:"header_bytes"`
	Format        string `json:"format"`
}

// StepStatus is the outcome of one executed workflow step.
type StepStatus string

const (
	StepSucceeded StepStatus = "SUCCEEDED"
	StepSkipped   StepStatus = "SKIPPED"
	StepRecovered StepStatus = "RECOVERED"
	StepFailed    StepStatus = "FAILED"
)

// StepOutcome is the audit record of one step.
type StepOutcome struct {
	Name      string     `json:"name"`
	State     State      `json:"state"`
	Status    StepStatus `json:"status"`
	ElapsedMs int64      `json:"elapsed_ms"`
	Error     string     `json:"error,omitempty"`
}

// RunResult is the immutable record of one run, appended to the audit log.
type RunResult struct {
	RunID        string           `json:"run_id"`
	Success      bool             `json:"success"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	SizeBytes    int64            `json:"size_bytes"`
	Error        string           `json:"error,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	FailedState  State            `json:"failed_state,omitempty"`
	Timestamp    string           `json:"timestamp"`
	ElapsedMs    int64            `json:"elapsed_ms"`
	Params       RunParams        `json:"params"`
	Steps        []StepOutcome    `json:"steps,omitempty"`
	Trace        []ResolveAttempt `json:"trace,omitempty"`
	Screenshots  []string         `json:"screenshots,omitempty"`
}
