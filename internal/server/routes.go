package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"SafetyLedger/internal/command"
	"SafetyLedger/internal/core"
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/projection"
	"SafetyLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultLimit   = 50
	maxLimit       = 500
	maxCommandBody = 1 << 20
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type handlerFunc func(r *http.Request, params map[string]string) (interface{}, error)

type route struct {
	method  string
	pattern string
	name    string
	fn      handlerFunc
}

type api struct {
	deps      *ServerDeps
	mux       *runtime.ServeMux
	marshaler runtime.Marshaler
	errors    runtime.Marshaler
}

// SubmitResponse is returned for every sequenced command, applied or not.
type SubmitResponse struct {
	Sequence       int64    `json:"sequence"`
	IdempotencyKey string   `json:"idempotency_key"`
	Applied        bool     `json:"applied"`
	Duplicate      bool     `json:"duplicate"`
	Rejection      string   `json:"rejection,omitempty"`
	StateHash      string   `json:"state_hash,omitempty"`
	Events         []string `json:"events,omitempty"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

func (a *api) register() error {
	routes := []route{
		{http.MethodGet, "/v1/module", "module", a.getModule},
		{http.MethodGet, "/v1/pools", "pools", a.listPools},
		{http.MethodGet, "/v1/pools/{pool_id}", "pool", a.getPool},
		{http.MethodGet, "/v1/pools/{pool_id}/preview-deposit", "preview_deposit", a.previewDeposit},
		{http.MethodGet, "/v1/pools/{pool_id}/preview-redemption", "preview_redemption", a.previewRedemption},
		{http.MethodGet, "/v1/pools/{pool_id}/receipt-balances/{account}", "receipt_balance", a.receiptBalance},
		{http.MethodGet, "/v1/asset-pools", "asset_pools", a.listAssetPools},
		{http.MethodGet, "/v1/asset-pools/{asset}", "asset_pool", a.getAssetPool},
		{http.MethodGet, "/v1/triggers", "triggers", a.listTriggers},
		{http.MethodGet, "/v1/redemptions", "redemptions", a.listRedemptions},
		{http.MethodGet, "/v1/redemptions/{redemption_id}", "redemption", a.getRedemption},
		{http.MethodGet, "/v1/balances", "account_balance", a.accountBalance},
		{http.MethodGet, "/v1/journals", "journals", a.journals},
		{http.MethodGet, "/v1/admin/integrity", "integrity", a.integrity},
		{http.MethodPost, "/v1/admin/snapshot", "snapshot", a.snapshot},
		{http.MethodPost, "/v1/admin/rebuild-projections", "rebuild_projections", a.rebuildProjections},
		{http.MethodPost, "/v1/commands/{command_type}", "submit", a.submit},
	}
	for _, rt := range routes {
		if err := a.mux.HandlePath(rt.method, rt.pattern, a.wrap(rt.name, rt.fn)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (a *api) wrap(name string, fn handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		m := a.deps.Metrics
		if m != nil {
			m.QueryRequests.WithLabelValues(name).Inc()
		}
		resp, err := fn(r, params)
		if err == nil {
			var buf []byte
			if buf, err = a.marshaler.Marshal(resp); err == nil {
				w.Header().Set("Content-Type", a.marshaler.ContentType(resp))
				w.Write(buf)
				return
			}
		}
		if m != nil {
			m.QueryErrors.WithLabelValues(name).Inc()
		}
		st := toStatus(err)
		if status.Code(st) == codes.Internal {
			a.deps.Logger.Error().Err(err).Str("endpoint", name).Msg("request failed")
		}
		runtime.HTTPError(r.Context(), a.mux, a.errors, w, r, st)
	}
}

// toStatus maps domain errors onto gRPC codes; the gateway turns those into
// HTTP statuses.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, query.ErrNotFound),
		errors.Is(err, core.ErrUnknownReservePool),
		errors.Is(err, core.ErrRedemptionNotFound):
		code = codes.NotFound
	case errors.Is(err, query.ErrNoProjections):
		code = codes.Unavailable
	case errors.Is(err, errBadRequest),
		errors.Is(err, command.ErrMissingIdempotencyKey),
		errors.Is(err, core.ErrRoundsToZero):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrSequenceGap):
		code = codes.FailedPrecondition
	case errors.Is(err, core.ErrOutOfOrder), errors.Is(err, core.ErrTimeRegression):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// --- live views ---

func (a *api) getModule(r *http.Request, _ map[string]string) (interface{}, error) {
	return a.deps.QueryService.GetModuleState(), nil
}

func (a *api) listPools(r *http.Request, _ map[string]string) (interface{}, error) {
	return a.deps.QueryService.ListReservePools()
}

func (a *api) getPool(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := poolID(p)
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.GetReservePool(id)
}

func (a *api) previewDeposit(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := poolID(p)
	if err != nil {
		return nil, err
	}
	assets, err := amountParam(r, "assets")
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.PreviewDeposit(id, assets)
}

func (a *api) previewRedemption(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := poolID(p)
	if err != nil {
		return nil, err
	}
	shares, err := amountParam(r, "shares")
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.PreviewRedemption(id, shares)
}

func (a *api) receiptBalance(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := poolID(p)
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.GetReceiptBalance(id, ledger.Address(p["account"]))
}

func (a *api) listAssetPools(r *http.Request, _ map[string]string) (interface{}, error) {
	return a.deps.QueryService.ListAssetPools(), nil
}

func (a *api) getAssetPool(r *http.Request, p map[string]string) (interface{}, error) {
	return a.deps.QueryService.GetAssetPool(ledger.Asset(p["asset"])), nil
}

func (a *api) listTriggers(r *http.Request, _ map[string]string) (interface{}, error) {
	return a.deps.QueryService.ListTriggers(a.deps.Triggers), nil
}

func (a *api) getRedemption(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := strconv.ParseUint(p["redemption_id"], 10, 64)
	if err != nil {
		return nil, badRequest("invalid redemption_id %q", p["redemption_id"])
	}
	return a.deps.QueryService.GetRedemption(id)
}

func (a *api) listRedemptions(r *http.Request, _ map[string]string) (interface{}, error) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		return nil, badRequest("owner is required")
	}
	limit, err := limitParam(r)
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.ListRedemptionsByOwner(ledger.Address(owner), limit)
}

// --- projections ---

func (a *api) accountBalance(r *http.Request, _ map[string]string) (interface{}, error) {
	account := r.URL.Query().Get("account")
	if account == "" {
		return nil, badRequest("account is required")
	}
	return a.deps.QueryService.GetAccountBalance(r.Context(), account)
}

func (a *api) journals(r *http.Request, _ map[string]string) (interface{}, error) {
	q := r.URL.Query()
	account := q.Get("account")
	if account == "" {
		return nil, badRequest("account is required")
	}
	limit, err := limitParam(r)
	if err != nil {
		return nil, err
	}
	var before *int64
	if s := q.Get("before_sequence"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, badRequest("invalid before_sequence %q", s)
		}
		before = &v
	}
	return a.deps.QueryService.GetJournalHistory(r.Context(), account, limit, before)
}

// --- admin ---

func (a *api) integrity(r *http.Request, _ map[string]string) (interface{}, error) {
	return a.deps.QueryService.VerifyIntegrity(r.Context())
}

func (a *api) snapshot(r *http.Request, _ map[string]string) (interface{}, error) {
	if a.deps.TakeSnapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, err := a.deps.TakeSnapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (a *api) rebuildProjections(r *http.Request, _ map[string]string) (interface{}, error) {
	if a.deps.DB == nil {
		return nil, query.ErrNoProjections
	}
	if err := projection.RebuildProjections(r.Context(), a.deps.DB, a.deps.Logger); err != nil {
		return nil, err
	}
	return &RebuildResponse{Rebuilt: true}, nil
}

// --- commands ---

func (a *api) submit(r *http.Request, p map[string]string) (interface{}, error) {
	if a.deps.Submitter == nil {
		return nil, status.Error(codes.Unimplemented, "command submission is disabled")
	}
	t, ok := command.ParseType(p["command_type"])
	if !ok {
		return nil, badRequest("unknown command type %q", p["command_type"])
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	if len(body) > maxCommandBody {
		return nil, badRequest("body exceeds %d bytes", maxCommandBody)
	}
	cmd, err := command.Unmarshal(t, body)
	if err != nil {
		if errors.Is(err, command.ErrMissingIdempotencyKey) {
			return nil, err
		}
		return nil, badRequest("%v", err)
	}

	ctx := r.Context()
	if a.deps.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.SubmitTimeout)
		defer cancel()
	}
	out, err := a.deps.Submitter.Submit(ctx, cmd)
	if err != nil {
		return nil, err
	}

	resp := &SubmitResponse{IdempotencyKey: cmd.IdempotencyKey()}
	if out == nil {
		resp.Duplicate = true
		return resp, nil
	}
	env := out.Envelope
	resp.Sequence = env.Sequence
	resp.Applied = env.Applied()
	resp.Rejection = env.Rejection
	resp.StateHash = hex.EncodeToString(env.StateHash[:])
	for _, e := range out.Events {
		resp.Events = append(resp.Events, e.EventType().String())
	}
	return resp, nil
}

// --- params ---

func poolID(p map[string]string) (uint16, error) {
	v, err := strconv.ParseUint(p["pool_id"], 10, 16)
	if err != nil {
		return 0, badRequest("invalid pool_id %q", p["pool_id"])
	}
	return uint16(v), nil
}

func amountParam(r *http.Request, name string) (*uint256.Int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, badRequest("%s is required", name)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, badRequest("invalid %s %q", name, s)
	}
	return v, nil
}

func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, badRequest("invalid limit %q", s)
	}
	if v > maxLimit {
		v = maxLimit
	}
	return v, nil
}
