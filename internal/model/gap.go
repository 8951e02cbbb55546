package model

// Gap is a block range with no stored events. It is computed, never persisted.
type Gap struct {
	StartBlock uint64 `json:"start_block"`
	EndBlock   uint64 `json:"end_block"`
	Size       uint64 `json:"size"`
}

// ChunkMismatch is a block chunk whose on-chain log count differs from the stored count.
type ChunkMismatch struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
	OnChain   int64  `json:"onchain_logs"`
	Stored    int64  `json:"stored_logs"`
}
