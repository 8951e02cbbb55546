package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tokenledger/internal/indexer"
	"tokenledger/internal/model"
	"tokenledger/internal/scheduler"
	"tokenledger/internal/storage"
)

var errUnavailable = errors.New("not available: chain client not configured")

type syncRequest struct {
	ContractAddress string          `json:"contractAddress"`
	FromBlock       json.RawMessage `json:"fromBlock,omitempty"`
	ToBlock         json.RawMessage `json:"toBlock,omitempty"`
}

type syncResponse struct {
	JobID    string `json:"jobId"`
	Position int    `json:"position"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.deps.Scheduler.Health())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	from, err := parseBlockParam(body.FromBlock, "auto")
	if err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("fromBlock: %w", err))
		return
	}
	to, err := parseBlockParam(body.ToBlock, "latest")
	if err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("toBlock: %w", err))
		return
	}

	id, position, err := s.deps.Scheduler.Submit(indexer.SyncRequest{
		Contract:  body.ContractAddress,
		FromBlock: from,
		ToBlock:   to,
	})
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		ERROR(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		ERROR(w, http.StatusBadRequest, err)
		return
	}
	JSON(w, http.StatusAccepted, syncResponse{JobID: id, Position: position})
}

// parseBlockParam accepts a JSON number, a decimal string, or the keyword
// (or empty) meaning "unset".
func parseBlockParam(raw json.RawMessage, keyword string) (*uint64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, keyword) {
		return nil, nil
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid block %q", text)
	}
	return &n, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Scheduler.Job(chi.URLParam(r, "jobID"))
	if !ok {
		ERROR(w, http.StatusNotFound, scheduler.ErrJobNotFound)
		return
	}
	JSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.Cancel(chi.URLParam(r, "jobID"))
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		ERROR(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrJobFinished):
		ERROR(w, http.StatusConflict, err)
	case err != nil:
		ERROR(w, http.StatusInternalServerError, err)
	default:
		JSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	if p, ok := s.deps.Scheduler.Progress(contract); ok {
		JSON(w, http.StatusOK, p)
		return
	}

	p := scheduler.Progress{Contract: contract}
	cp, found, err := s.deps.Store.LoadCheckpoint(r.Context(), contract)
	if err != nil {
		s.internalError(w, "load checkpoint", err)
		return
	}
	if found && cp.Synced {
		p.CurrentBlock = cp.LastSyncedBlock
		p.UpdatedAt = cp.UpdatedAt
	}
	JSON(w, http.StatusOK, p)
}

type registerRequest struct {
	Address         string `json:"address"`
	Standard        string `json:"standard"`
	DeploymentBlock uint64 `json:"deploymentBlock"`
}

func (s *Server) handleContractsRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	address, err := indexer.ParseContractAddress(body.Address)
	if err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}
	standard, ok := model.ParseStandard(body.Standard)
	if !ok {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("unknown standard %q", body.Standard))
		return
	}

	contract := model.Contract{
		Address:         model.NormalizeAddress(address.Hex()),
		Standard:        standard,
		DeploymentBlock: body.DeploymentBlock,
	}
	if err := s.deps.Store.UpsertContract(r.Context(), contract); err != nil {
		s.internalError(w, "upsert contract", err)
		return
	}
	stored, _, err := s.deps.Store.GetContract(r.Context(), contract.Address)
	if err != nil {
		s.internalError(w, "get contract", err)
		return
	}
	JSON(w, http.StatusCreated, stored)
}

func (s *Server) handleContractsList(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.deps.Store.ListContracts(r.Context())
	if err != nil {
		s.internalError(w, "list contracts", err)
		return
	}
	JSON(w, http.StatusOK, contracts)
}

func (s *Server) handleContractGet(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	c, found, err := s.deps.Store.GetContract(r.Context(), contract)
	if err != nil {
		s.internalError(w, "get contract", err)
		return
	}
	if !found {
		ERROR(w, http.StatusNotFound, fmt.Errorf("contract %s not registered", contract))
		return
	}
	JSON(w, http.StatusOK, c)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	cp, found, err := s.deps.Store.LoadCheckpoint(r.Context(), contract)
	if err != nil {
		s.internalError(w, "load checkpoint", err)
		return
	}
	if !found {
		cp = model.Checkpoint{ContractAddress: contract, Status: model.SyncNeverSynced}
	}
	JSON(w, http.StatusOK, cp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := storage.EventFilter{
		Contract: contract,
		Holder:   model.NormalizeAddress(q.Get("holder")),
		TokenID:  q.Get("tokenId"),
	}
	var err error
	if filter.FromBlock, err = uintQuery(q.Get("fromBlock")); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("fromBlock: %w", err))
		return
	}
	if filter.ToBlock, err = uintQuery(q.Get("toBlock")); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("toBlock: %w", err))
		return
	}
	filter.Limit, filter.Offset = pageQuery(q.Get("limit"), q.Get("offset"))

	events, err := s.deps.Store.ListEvents(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list events", err)
		return
	}
	JSON(w, http.StatusOK, events)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := storage.BalanceFilter{
		Contract: contract,
		Holder:   model.NormalizeAddress(q.Get("holder")),
		TokenID:  q.Get("tokenId"),
	}
	filter.Limit, filter.Offset = pageQuery(q.Get("limit"), q.Get("offset"))

	balances, err := s.deps.Store.ListBalances(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list balances", err)
		return
	}
	JSON(w, http.StatusOK, balances)
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	totals, err := s.deps.Store.SupplyTotals(r.Context(), contract)
	if err != nil {
		s.internalError(w, "supply totals", err)
		return
	}
	JSON(w, http.StatusOK, totals)
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	if s.deps.Gaps == nil {
		ERROR(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	report, err := s.deps.Gaps.FindGaps(r.Context(), contract)
	if err != nil {
		s.internalError(w, "find gaps", err)
		return
	}
	JSON(w, http.StatusOK, report)
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	groups, err := s.deps.Store.FindDuplicates(r.Context(), contract)
	if err != nil {
		s.internalError(w, "find duplicates", err)
		return
	}
	JSON(w, http.StatusOK, groups)
}

func (s *Server) handleDedup(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	removed, err := s.deps.Store.RemoveDuplicates(r.Context(), contract)
	if err != nil {
		s.internalError(w, "remove duplicates", err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"contract": contract, "removed": removed})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	if s.deps.Rebuilder == nil {
		ERROR(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	summary, err := s.deps.Rebuilder.Rebuild(r.Context(), contract)
	if err != nil {
		s.internalError(w, "rebuild", err)
		return
	}
	JSON(w, http.StatusOK, summary)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	if s.deps.Verifier == nil {
		ERROR(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	report, err := s.deps.Verifier.Verify(r.Context(), contract)
	if err != nil {
		s.internalError(w, "verify", err)
		return
	}
	JSON(w, http.StatusOK, report)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("api "+op+" failed", zap.Error(err))
	ERROR(w, http.StatusInternalServerError, err)
}

func contractParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	address, err := indexer.ParseContractAddress(chi.URLParam(r, "contract"))
	if err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return "", false
	}
	return model.NormalizeAddress(address.Hex()), true
}

func uintQuery(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseUint(value, 10, 64)
}

func pageQuery(limit, offset string) (int, int) {
	l, err := strconv.Atoi(limit)
	if err != nil || l < 1 {
		l = storage.DefaultListLimit
	}
	o, err := strconv.Atoi(offset)
	if err != nil || o < 0 {
		o = 0
	}
	return storage.ClampLimit(l), o
}
