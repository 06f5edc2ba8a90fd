package dsl

// Limits enforced by the compiler.
const (
	// MaxTimeRangeSeconds caps the searchable span at 7 days, inclusive.
	MaxTimeRangeSeconds int64 = 7 * 24 * 3600
	// MaxSequenceSteps caps ordered sequence patterns.
	MaxSequenceSteps = 5
	// MaxSequenceWindowSeconds caps the sequence match window at 24 hours.
	MaxSequenceWindowSeconds int64 = 24 * 3600
	// PlainResultLimit caps plain filter searches.
	PlainResultLimit = 10000
	// PlainExecBudgetSeconds is the execution-time governor for plain searches.
	PlainExecBudgetSeconds = 8
)

// TimeRange selects events by time. Exactly one form must be set: a
// relative window (LastSeconds) or absolute epoch-second bounds (Start/End).
type TimeRange struct {
	LastSeconds int64 `json:"last_seconds,omitempty" yaml:"last_seconds,omitempty"`
	Start       int64 `json:"start,omitempty" yaml:"start,omitempty"`
	End         int64 `json:"end,omitempty" yaml:"end,omitempty"`
}

// SearchSection carries the base filter of a search: time range, optional
// boolean predicate, and the mandatory tenant scope.
type SearchSection struct {
	TimeRange TimeRange `json:"time_range" yaml:"time_range"`
	Where     *Expr     `json:"where,omitempty" yaml:"where,omitempty"`
	TenantIDs []string  `json:"tenant_ids" yaml:"tenant_ids"`
}

// ThresholdSection keeps groups whose row count meets a minimum, optionally
// bucketed into a sub-window.
type ThresholdSection struct {
	GroupBy       []string `json:"group_by" yaml:"group_by"`
	CountGte      int64    `json:"count_gte" yaml:"count_gte"`
	WindowSeconds int64    `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty"`
}

// CardinalitySection keeps groups whose distinct-value count of Field meets
// a minimum within a window.
type CardinalitySection struct {
	GroupBy       []string `json:"group_by" yaml:"group_by"`
	Field         string   `json:"field" yaml:"field"`
	DistinctGte   int64    `json:"distinct_gte" yaml:"distinct_gte"`
	WindowSeconds int64    `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty"`
}

// SequenceStep is one ordered step of a sequence pattern.
type SequenceStep struct {
	Where *Expr `json:"where" yaml:"where"`
}

// SequenceSection requires an in-order match of all steps per group, with
// the total span bounded by WindowSeconds.
type SequenceSection struct {
	Steps         []SequenceStep `json:"steps" yaml:"steps"`
	GroupBy       []string       `json:"group_by" yaml:"group_by"`
	WindowSeconds int64          `json:"window_seconds" yaml:"window_seconds"`
}

// SearchDSL is a complete rule definition. At most one pattern section is
// honored; when several are set, dispatch precedence is
// sequence > threshold > cardinality > plain filter.
type SearchDSL struct {
	Version     string              `json:"version,omitempty" yaml:"version,omitempty"`
	Search      *SearchSection      `json:"search,omitempty" yaml:"search,omitempty"`
	Threshold   *ThresholdSection   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Cardinality *CardinalitySection `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	Sequence    *SequenceSection    `json:"sequence,omitempty" yaml:"sequence,omitempty"`
}

// CompileResult is the output of a successful compile. SQL/Args is the full
// analytic query; WhereSQL/WhereArgs is the standalone filter predicate
// (without tenant, time, or pattern wrapping), reused by the window executor
// for per-window COUNT queries. Literal values are bound as args, never
// interpolated.
type CompileResult struct {
	SQL       string        `json:"sql"`
	Args      []interface{} `json:"args"`
	WhereSQL  string        `json:"where_sql"`
	WhereArgs []interface{} `json:"where_args"`
	Warnings  []string      `json:"warnings,omitempty"`
}
