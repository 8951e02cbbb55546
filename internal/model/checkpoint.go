package model

import "time"

// SyncState is the lifecycle state of a contract checkpoint.
type SyncState string

const (
	SyncNeverSynced SyncState = "never_synced"
	SyncProcessing  SyncState = "processing"
	SyncCompleted   SyncState = "completed"
	SyncFailed      SyncState = "failed"
)

// Checkpoint is the resumable sync position of a contract.
// Synced is false until at least one chunk has been committed.
type Checkpoint struct {
	ContractAddress string     `json:"contract_address"`
	LastSyncedBlock uint64     `json:"last_synced_block"`
	Synced          bool       `json:"synced"`
	Status          SyncState  `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	UpdatedAt       time.Time  `json:"sync_timestamp"`
}

// Contract is a registered token contract.
type Contract struct {
	Address         string    `json:"address"`
	Standard        Standard  `json:"standard"`
	DeploymentBlock uint64    `json:"deployment_block"`
	CreatedAt       time.Time `json:"created_at"`
}
