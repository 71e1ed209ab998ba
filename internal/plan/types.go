// Package plan defines the oracle contract: plans, steps, assertions and
// verdicts, plus the tolerant parsing and schema validation applied to
// raw oracle output.
package plan

import "time"

// Op is a structured action the executor can dispatch.
type Op string

const (
	OpNavigate   Op = "navigate"
	OpClick      Op = "click"
	OpType       Op = "type"
	OpSelect     Op = "select"
	OpWaitFor    Op = "waitFor"
	OpScreenshot Op = "screenshot"
	OpScroll     Op = "scroll"
	OpExtract    Op = "extract"
)

// SchemaVersion is the current plan document version.
const SchemaVersion = 1

// Step is one structured action. Op-specific fields are optional and
// validated per op at execution time. Role and Label are the hints used
// for fuzzy ref resolution when Ref is absent from the current snapshot.
type Step struct {
	ID      string `json:"id"`
	Op      Op     `json:"op"`
	URL     string `json:"url,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Role    string `json:"role,omitempty"`
	Label   string `json:"label,omitempty"`
	Value   string `json:"value,omitempty"`
	Option  string `json:"option,omitempty"`
	WaitOn  string `json:"waitOn,omitempty"` // load | networkIdle | selector string
	Timeout int    `json:"timeoutMs,omitempty"`
	Amount  int    `json:"amount,omitempty"`
	Dir     string `json:"direction,omitempty"`
}

// AssertionKind names a declarative post-condition.
type AssertionKind string

const (
	AssertURLContains    AssertionKind = "urlContains"
	AssertURLEquals      AssertionKind = "urlEquals"
	AssertTitleContains  AssertionKind = "titleContains"
	AssertTextPresent    AssertionKind = "textPresent"
	AssertElementVisible AssertionKind = "elementVisible"
	AssertDownloadExists AssertionKind = "downloadExists"
)

// Assertion is one declarative post-condition checked against live state
// after the step pass.
type Assertion struct {
	Kind        AssertionKind `json:"kind"`
	Value       string        `json:"value,omitempty"`
	Ref         string        `json:"ref,omitempty"`
	FilePattern string        `json:"filePattern,omitempty"`
}

// Plan is one oracle-authored task attempt.
type Plan struct {
	Goal          string      `json:"goal"`
	Assumptions   []string    `json:"assumptions,omitempty"`
	Steps         []Step      `json:"steps"`
	Assertions    []Assertion `json:"assertions,omitempty"`
	OnFailure     string      `json:"onFailure,omitempty"`
	SchemaVersion int         `json:"schemaVersion"`
}

// VerdictStatus is the oracle's judgment of task completion.
type VerdictStatus string

const (
	VerdictSuccess  VerdictStatus = "success"
	VerdictPatch    VerdictStatus = "patch"
	VerdictEscalate VerdictStatus = "escalate"
)

// NextAction tells the orchestrator what to do after a verdict.
type NextAction string

const (
	NextStop          NextAction = "stop"
	NextRunPatch      NextAction = "runPatch"
	NextEnterStepMode NextAction = "enterStepMode"
)

// Verdict is the oracle's post-execution judgment.
type Verdict struct {
	Status   VerdictStatus `json:"status"`
	Summary  string        `json:"summary"`
	Evidence []string      `json:"evidence,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Next     NextAction    `json:"next"`
}

// StepStatus is the outcome class of one executed step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// StepResult records the outcome of one step.
type StepResult struct {
	StepID       string     `json:"stepId"`
	Op           Op         `json:"op"`
	Status       StepStatus `json:"status"`
	SelectorUsed string     `json:"selectorUsed,omitempty"`
	DurationMs   int64      `json:"durationMs"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    string     `json:"errorKind,omitempty"`
	Extracted    string     `json:"extracted,omitempty"`
}

// AssertionRecord is the evaluated outcome of one assertion.
type AssertionRecord struct {
	Kind     AssertionKind `json:"kind"`
	Expected string        `json:"expected"`
	Actual   string        `json:"actual,omitempty"`
	Error    string        `json:"error,omitempty"`
	Passed   bool          `json:"passed"`
}

// AssertionResult aggregates one assertion pass.
type AssertionResult struct {
	Passed  bool              `json:"passed"`
	Records []AssertionRecord `json:"records,omitempty"`
}

// RunLog accumulates during one execution pass and is sealed at
// completion.
type RunLog struct {
	Goal            string          `json:"goal"`
	StartedAt       time.Time       `json:"startedAt"`
	EndedAt         time.Time       `json:"endedAt"`
	Steps           []StepResult    `json:"steps"`
	AssertionResult AssertionResult `json:"assertionResult"`
	FinalURL        string          `json:"finalUrl,omitempty"`
	Escalate        bool            `json:"escalate,omitempty"`
	EscalateReason  string          `json:"escalateReason,omitempty"`
}
