package snapshot

import "fmt"

// Phase tells which side of a transaction a snapshot belongs to
type Phase int

const (
	// PhasePre is the snapshot taken before the transaction applies
	PhasePre Phase = iota
	// PhasePost is the snapshot taken after the transaction completed
	PhasePost
)

func (p Phase) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhasePost:
		return "post"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Result is the outcome of one snapshot request for one config
type Result struct {
	Config string
	Phase  Phase
	Number uint32 // daemon-assigned snapshot number, set on success
	Err    error

	// Skipped is set when no request was made because the config has no
	// pre snapshot
	Skipped bool
}

// OK reports whether the snapshot was created
func (r Result) OK() bool {
	return r.Err == nil && !r.Skipped
}
