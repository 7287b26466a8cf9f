package state

// Patch is the only way state changes. Accumulating sequences are
// concatenated, map fields are key-merged (last write wins per key), scalar
// pointers overwrite when non-nil. The schema is closed: there is no way to
// express an unknown key.
type Patch struct {
	// Appended to the accumulating sequences.
	Messages []Message
	Progress []ProgressEntry
	Errors   []ErrorEntry

	// Key-merged into the corresponding maps.
	Results map[string]Result
	Context map[string]any

	// Scalar overwrites; nil means "leave unchanged".
	CurrentAgent    *string
	TaskDescription *string
	CurrentGroup    *int
	CurrentStep     *int
	IsComplete      *bool

	// Plan overwrites; nil means "leave unchanged". An empty non-nil slice is
	// a valid overwrite (clears the field).
	ExecutionPlan  []string
	Dependencies   map[string][]string
	ParallelGroups [][]string
}

// Merge folds other into p. Used by agents that build a patch incrementally.
func (p *Patch) Merge(other *Patch) {
	if other == nil {
		return
	}
	p.Messages = append(p.Messages, other.Messages...)
	p.Progress = append(p.Progress, other.Progress...)
	p.Errors = append(p.Errors, other.Errors...)
	for name, r := range other.Results {
		if p.Results == nil {
			p.Results = map[string]Result{}
		}
		p.Results[name] = r
	}
	for k, v := range other.Context {
		if p.Context == nil {
			p.Context = map[string]any{}
		}
		p.Context[k] = v
	}
	if other.CurrentAgent != nil {
		p.CurrentAgent = other.CurrentAgent
	}
	if other.TaskDescription != nil {
		p.TaskDescription = other.TaskDescription
	}
	if other.CurrentGroup != nil {
		p.CurrentGroup = other.CurrentGroup
	}
	if other.CurrentStep != nil {
		p.CurrentStep = other.CurrentStep
	}
	if other.IsComplete != nil {
		p.IsComplete = other.IsComplete
	}
	if other.ExecutionPlan != nil {
		p.ExecutionPlan = other.ExecutionPlan
	}
	if other.Dependencies != nil {
		p.Dependencies = other.Dependencies
	}
	if other.ParallelGroups != nil {
		p.ParallelGroups = other.ParallelGroups
	}
}

// Ptr returns a pointer to v, for the Patch scalar fields.
func Ptr[T any](v T) *T { return &v }
