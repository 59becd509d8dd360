package models

import "time"

// TransferState is the lifecycle state of an upload or download.
type TransferState int

const (
	TransferInitializing TransferState = iota
	TransferPending
	TransferProgress
	TransferFinalizing
	TransferDone
	TransferCanceled
	TransferError
)

// String returns the lowercase name of the state.
func (s TransferState) String() string {
	switch s {
	case TransferInitializing:
		return "initializing"
	case TransferPending:
		return "pending"
	case TransferProgress:
		return "progress"
	case TransferFinalizing:
		return "finalizing"
	case TransferDone:
		return "done"
	case TransferCanceled:
		return "canceled"
	case TransferError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s TransferState) Terminal() bool {
	return s == TransferDone || s == TransferCanceled || s == TransferError
}

// TransferKind distinguishes file and folder transfers.
type TransferKind int

const (
	TransferFile TransferKind = iota
	TransferFolder
)

// Transfer is one queued upload or download item. It is mutated only by
// the engine that owns it; callers see snapshots.
type Transfer struct {
	ID         string        `json:"id"`
	Kind       TransferKind  `json:"kind"`
	ShareID    string        `json:"share_id"`
	ParentID   string        `json:"parent_id"`
	LinkID     string        `json:"link_id,omitempty"`
	Name       string        `json:"name"`
	State      TransferState `json:"state"`
	Size       int64         `json:"size"`
	Done       int64         `json:"done"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Err        string        `json:"error,omitempty"`

	// Resolution records the conflict decision once one was made.
	Resolution ConflictStrategy `json:"resolution,omitempty"`
}
