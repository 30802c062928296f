package chunkuploader

// State of a single upload attempt.
//
//	Idle -> Negotiating -> Uploading(i) -> Uploading(i+1) | Completed | Failed
//
// Completed and Failed are terminal. A new attempt always starts from Idle with a new session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateUploading
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateUploading:
		return "uploading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal ...
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
