package scheduler

import (
	"sync/atomic"
	"time"

	"tokenledger/internal/indexer"
	"tokenledger/internal/reconcile"
)

// State is the lifecycle state of a sync job.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Finished reports whether the job reached a terminal state.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress is the polling view of a contract's running or last sync.
type Progress struct {
	Contract     string    `json:"contract"`
	JobID        string    `json:"job_id"`
	IsProcessing bool      `json:"is_processing"`
	FromBlock    uint64    `json:"from_block"`
	ToBlock      uint64    `json:"to_block"`
	CurrentBlock uint64    `json:"current_block"`
	TotalBlocks  uint64    `json:"total_blocks"`
	Percent      float64   `json:"progress"`
	EventsFound  int64     `json:"events_found"`
	ETASeconds   int64     `json:"eta_seconds"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func progressFrom(jobID string, p indexer.ProgressUpdate, now time.Time) Progress {
	return Progress{
		Contract:     p.Contract,
		JobID:        jobID,
		IsProcessing: true,
		FromBlock:    p.FromBlock,
		ToBlock:      p.ToBlock,
		CurrentBlock: p.CurrentBlock,
		TotalBlocks:  p.ToBlock - p.FromBlock + 1,
		Percent:      p.Percent(),
		EventsFound:  p.EventsProcessed,
		ETASeconds:   int64(p.ETA.Round(time.Second) / time.Second),
		UpdatedAt:    now,
	}
}

// Job is a snapshot of one submitted sync.
type Job struct {
	ID         string              `json:"job_id"`
	Contract   string              `json:"contract"`
	FromBlock  *uint64             `json:"from_block,omitempty"`
	ToBlock    *uint64             `json:"to_block,omitempty"`
	State      State               `json:"state"`
	Position   int                 `json:"position,omitempty"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Progress   *Progress           `json:"progress,omitempty"`
	Result     *indexer.SyncResult `json:"result,omitempty"`
	Rebuild    *reconcile.Summary  `json:"rebuild,omitempty"`
	Removed    int64               `json:"duplicates_removed,omitempty"`
}

type job struct {
	Job
	cancelled atomic.Bool
}

func (j *job) request() indexer.SyncRequest {
	return indexer.SyncRequest{Contract: j.Contract, FromBlock: j.FromBlock, ToBlock: j.ToBlock}
}

func (j *job) snapshot() Job {
	out := j.Job
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	return out
}
