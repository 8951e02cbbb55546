// Package postgres implements storage.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenledger/internal/model"
	"tokenledger/internal/storage"
)

var _ storage.Store = (*Store)(nil)

const balanceBatchSize = 1000

const eventColumns = `id, contract_address, transaction_hash, log_index, batch_index, block_number,
	block_timestamp, event_type, event_kind, token_standard, from_address, to_address,
	token_id::text, amount::text, operator`

// Store provides Postgres persistence for events, balances and checkpoints.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertEvents inserts events in one transaction. Existing identities are
// left untouched.
func (s *Store) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO events (
				contract_address, transaction_hash, log_index, batch_index, block_number, block_timestamp,
				event_type, event_kind, token_standard, from_address, to_address, token_id, amount, operator
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (transaction_hash, log_index, batch_index) DO NOTHING
		`,
			model.NormalizeAddress(ev.ContractAddress),
			ev.TransactionHash,
			int64(ev.LogIndex),
			int32(ev.BatchIndex),
			int64(ev.BlockNumber),
			int64(ev.BlockTimestamp),
			ev.EventType,
			string(ev.Kind),
			string(ev.Standard),
			model.NormalizeAddress(ev.FromAddress),
			model.NormalizeAddress(ev.ToAddress),
			ev.TokenID,
			ev.Amount,
			model.NormalizeAddress(ev.Operator),
		)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for range events {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, err
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) FindDuplicates(ctx context.Context, contract string) ([]model.DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_hash, log_index, batch_index, count(*), min(id)
		FROM events
		WHERE contract_address = $1
		GROUP BY transaction_hash, log_index, batch_index
		HAVING count(*) > 1
		ORDER BY min(id)
	`, model.NormalizeAddress(contract))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.DuplicateGroup, 0)
	for rows.Next() {
		var (
			g          model.DuplicateGroup
			logIndex   int64
			batchIndex int32
			count      int64
		)
		if err := rows.Scan(&g.TransactionHash, &logIndex, &batchIndex, &count, &g.KeepID); err != nil {
			return nil, err
		}
		g.LogIndex = uint64(logIndex)
		g.BatchIndex = uint32(batchIndex)
		g.Count = int(count)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) RemoveDuplicates(ctx context.Context, contract string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events e
		USING (
			SELECT transaction_hash, log_index, batch_index, min(id) AS keep_id
			FROM events
			WHERE contract_address = $1
			GROUP BY transaction_hash, log_index, batch_index
			HAVING count(*) > 1
		) d
		WHERE e.contract_address = $1
			AND e.transaction_hash = d.transaction_hash
			AND e.log_index = d.log_index
			AND e.batch_index = d.batch_index
			AND e.id <> d.keep_id
	`, model.NormalizeAddress(contract))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) BlockNumbers(ctx context.Context, contract string) ([]uint64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT block_number FROM events WHERE contract_address = $1 ORDER BY block_number
	`, model.NormalizeAddress(contract))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]uint64, 0)
	for rows.Next() {
		var block int64
		if err := rows.Scan(&block); err != nil {
			return nil, err
		}
		out = append(out, uint64(block))
	}
	return out, rows.Err()
}

func (s *Store) CountLogs(ctx context.Context, contract string, from, to uint64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT DISTINCT transaction_hash, log_index
			FROM events
			WHERE contract_address = $1 AND block_number BETWEEN $2 AND $3
		) logs
	`, model.NormalizeAddress(contract), int64(from), int64(to)).Scan(&n)
	return n, err
}

func (s *Store) MaxBlock(ctx context.Context, contract string) (uint64, bool, error) {
	var block *int64
	err := s.pool.QueryRow(ctx, `
		SELECT max(block_number) FROM events WHERE contract_address = $1
	`, model.NormalizeAddress(contract)).Scan(&block)
	if err != nil {
		return 0, false, err
	}
	if block == nil {
		return 0, false, nil
	}
	return uint64(*block), true, nil
}

func (s *Store) EventCount(ctx context.Context, contract string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM events WHERE contract_address = $1
	`, model.NormalizeAddress(contract)).Scan(&n)
	return n, err
}

func (s *Store) EventStandard(ctx context.Context, contract string) (model.Standard, error) {
	var standard string
	err := s.pool.QueryRow(ctx, `
		SELECT token_standard FROM events
		WHERE contract_address = $1 AND token_standard <> ''
		LIMIT 1
	`, model.NormalizeAddress(contract)).Scan(&standard)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StandardUnknown, nil
		}
		return model.StandardUnknown, err
	}
	return model.Standard(standard), nil
}

// RebuildBalances deletes and rewrites the contract's balance rows inside one
// repeatable-read transaction. Readers see either the old or the new table.
func (s *Store) RebuildBalances(ctx context.Context, contract string, build func(storage.EventSource) ([]model.Balance, error)) error {
	contract = model.NormalizeAddress(contract)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM current_state WHERE contract_address = $1`, contract); err != nil {
		return fmt.Errorf("clear balances: %w", err)
	}

	source := func(fn func(model.Event) error) error {
		rows, err := tx.Query(ctx, `
			SELECT `+eventColumns+`
			FROM events
			WHERE contract_address = $1
			ORDER BY block_number, log_index, batch_index, id
		`, contract)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		return rows.Err()
	}

	balances, err := build(source)
	if err != nil {
		return err
	}

	for start := 0; start < len(balances); start += balanceBatchSize {
		end := start + balanceBatchSize
		if end > len(balances) {
			end = len(balances)
		}
		if err := insertBalances(ctx, tx, balances[start:end]); err != nil {
			return fmt.Errorf("insert balances: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func insertBalances(ctx context.Context, tx pgx.Tx, balances []model.Balance) error {
	batch := &pgx.Batch{}
	for _, b := range balances {
		batch.Queue(`
			INSERT INTO current_state (contract_address, address, token_id, balance, last_updated_block)
			VALUES ($1, $2, $3, $4, $5)
		`,
			model.NormalizeAddress(b.ContractAddress),
			model.NormalizeAddress(b.HolderAddress),
			b.TokenID,
			b.Balance,
			int64(b.LastUpdatedBlock),
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for range balances {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, contract string) (model.Checkpoint, bool, error) {
	contract = model.NormalizeAddress(contract)
	cp := model.Checkpoint{ContractAddress: contract}

	var (
		last   *int64
		status string
	)
	row := s.pool.QueryRow(ctx, `
		SELECT last_synced_block, status, started_at, completed_at, error_message, sync_timestamp
		FROM sync_status WHERE contract_address = $1
	`, contract)
	if err := row.Scan(&last, &status, &cp.StartedAt, &cp.CompletedAt, &cp.ErrorMessage, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}
	if last != nil {
		cp.LastSyncedBlock = uint64(*last)
		cp.Synced = true
	}
	cp.Status = model.SyncState(status)
	return cp, true, nil
}

func (s *Store) StartSync(ctx context.Context, contract string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_status (contract_address, status, started_at, completed_at, error_message, sync_timestamp)
		VALUES ($1, $2, now(), NULL, '', now())
		ON CONFLICT (contract_address) DO UPDATE
		SET status = EXCLUDED.status, started_at = now(), completed_at = NULL, error_message = '', sync_timestamp = now()
	`, model.NormalizeAddress(contract), string(model.SyncProcessing))
	return err
}

func (s *Store) AdvanceCheckpoint(ctx context.Context, contract string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_status (contract_address, last_synced_block, status, sync_timestamp)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (contract_address) DO UPDATE
		SET last_synced_block = GREATEST(sync_status.last_synced_block, EXCLUDED.last_synced_block),
			sync_timestamp = now()
	`, model.NormalizeAddress(contract), int64(block), string(model.SyncProcessing))
	return err
}

func (s *Store) CompleteSync(ctx context.Context, contract string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_status (contract_address, status, completed_at, error_message, sync_timestamp)
		VALUES ($1, $2, now(), '', now())
		ON CONFLICT (contract_address) DO UPDATE
		SET status = EXCLUDED.status, completed_at = now(), error_message = '', sync_timestamp = now()
	`, model.NormalizeAddress(contract), string(model.SyncCompleted))
	return err
}

func (s *Store) FailSync(ctx context.Context, contract string, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_status (contract_address, status, error_message, sync_timestamp)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (contract_address) DO UPDATE
		SET status = EXCLUDED.status, error_message = EXCLUDED.error_message, sync_timestamp = now()
	`, model.NormalizeAddress(contract), string(model.SyncFailed), message)
	return err
}

func (s *Store) UpsertContract(ctx context.Context, contract model.Contract) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contracts (address, token_standard, deployment_block, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address) DO UPDATE
		SET token_standard = EXCLUDED.token_standard, deployment_block = EXCLUDED.deployment_block
	`, model.NormalizeAddress(contract.Address), string(contract.Standard), int64(contract.DeploymentBlock))
	return err
}

func (s *Store) GetContract(ctx context.Context, address string) (model.Contract, bool, error) {
	var (
		c        model.Contract
		standard string
		deployed int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT address, token_standard, deployment_block, created_at FROM contracts WHERE address = $1
	`, model.NormalizeAddress(address)).Scan(&c.Address, &standard, &deployed, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contract{}, false, nil
		}
		return model.Contract{}, false, err
	}
	c.Standard = model.Standard(standard)
	c.DeploymentBlock = uint64(deployed)
	return c, true, nil
}

func (s *Store) ListContracts(ctx context.Context) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, token_standard, deployment_block, created_at FROM contracts ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Contract, 0)
	for rows.Next() {
		var (
			c        model.Contract
			standard string
			deployed int64
		)
		if err := rows.Scan(&c.Address, &standard, &deployed, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Standard = model.Standard(standard)
		c.DeploymentBlock = uint64(deployed)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]model.Event, error) {
	where := &whereBuilder{}
	if filter.Contract != "" {
		where.add("contract_address = $%d", model.NormalizeAddress(filter.Contract))
	}
	if filter.Holder != "" {
		holder := model.NormalizeAddress(filter.Holder)
		where.add("(from_address = $%d OR to_address = $%[1]d)", holder)
	}
	if filter.TokenID != "" {
		where.add("token_id = $%d::numeric", filter.TokenID)
	}
	if filter.FromBlock > 0 {
		where.add("block_number >= $%d", int64(filter.FromBlock))
	}
	if filter.ToBlock > 0 {
		where.add("block_number <= $%d", int64(filter.ToBlock))
	}

	query := `SELECT ` + eventColumns + ` FROM events` + where.sql() +
		` ORDER BY block_number, log_index, batch_index, id` + where.page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ListBalances(ctx context.Context, filter storage.BalanceFilter) ([]model.Balance, error) {
	where := &whereBuilder{}
	if filter.Contract != "" {
		where.add("contract_address = $%d", model.NormalizeAddress(filter.Contract))
	}
	if filter.Holder != "" {
		where.add("address = $%d", model.NormalizeAddress(filter.Holder))
	}
	if filter.TokenID != "" {
		where.add("token_id = $%d::numeric", filter.TokenID)
	}

	query := `SELECT contract_address, address, token_id::text, balance::text, last_updated_block
		FROM current_state` + where.sql() +
		` ORDER BY contract_address, address, token_id` + where.page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Balance, 0)
	for rows.Next() {
		var (
			b     model.Balance
			block int64
		)
		if err := rows.Scan(&b.ContractAddress, &b.HolderAddress, &b.TokenID, &b.Balance, &block); err != nil {
			return nil, err
		}
		b.LastUpdatedBlock = uint64(block)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) SupplyTotals(ctx context.Context, contract string) (model.SupplyTotals, error) {
	var (
		totals  model.SupplyTotals
		holders int64
		tokens  int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT count(DISTINCT address), count(DISTINCT token_id), COALESCE(sum(balance), 0)::text
		FROM current_state WHERE contract_address = $1
	`, model.NormalizeAddress(contract)).Scan(&holders, &tokens, &totals.TotalSupply)
	if err != nil {
		return model.SupplyTotals{}, err
	}
	totals.Holders = int(holders)
	totals.UniqueTokens = int(tokens)
	return totals, nil
}

func scanEvent(rows pgx.Rows) (model.Event, error) {
	var (
		ev         model.Event
		logIndex   int64
		batchIndex int32
		block      int64
		timestamp  int64
		kind       string
		standard   string
	)
	err := rows.Scan(
		&ev.ID,
		&ev.ContractAddress,
		&ev.TransactionHash,
		&logIndex,
		&batchIndex,
		&block,
		&timestamp,
		&ev.EventType,
		&kind,
		&standard,
		&ev.FromAddress,
		&ev.ToAddress,
		&ev.TokenID,
		&ev.Amount,
		&ev.Operator,
	)
	if err != nil {
		return model.Event{}, err
	}
	ev.LogIndex = uint64(logIndex)
	ev.BatchIndex = uint32(batchIndex)
	ev.BlockNumber = uint64(block)
	ev.BlockTimestamp = uint64(timestamp)
	ev.Kind = model.Kind(kind)
	ev.Standard = model.Standard(standard)
	return ev, nil
}

type whereBuilder struct {
	clauses []string
	args    []any
}

// add appends a clause whose single %d verb becomes the next placeholder.
func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) page(limit, offset int) string {
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", storage.ClampLimit(limit), offset)
}

