package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"PerpPilot-Chain/internal/builder"
	xerrors "PerpPilot-Chain/internal/errors"
	"PerpPilot-Chain/internal/flow"
	"PerpPilot-Chain/internal/ledger"
	"PerpPilot-Chain/internal/pipeline"
	"PerpPilot-Chain/internal/venue"
)

// Executor 为已收集完成的意图触发流水线执行。
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// PositionReader 提供仓位快照查询，用于聊天层的持仓展示。
type PositionReader interface {
	GetAccountExistence(ctx context.Context, authority solana.PublicKey, subAccountID uint16) (*venue.AccountExistence, error)
	SnapshotPosition(ctx context.Context, existence *venue.AccountExistence, marketIndex uint16) (*venue.PositionSnapshot, error)
}

// Server 负责暴露 REST 接口，供聊天接入层驱动执行与审计查询。
type Server struct {
	addr      string
	store     ledger.Store
	flows     *flow.Manager
	executor  Executor
	positions PositionReader
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, store ledger.Store, flows *flow.Manager, executor Executor, positions PositionReader) *Server {
	return &Server{addr: addr, store: store, flows: flows, executor: executor, positions: positions}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/execute", s.handleExecute)
	mux.HandleFunc("/api/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/api/v1/transactions/stats", s.handleStats)
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/healthz", s.handleHealth)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type executeRequest struct {
	UserID       string `json:"user_id"`
	Authority    string `json:"authority"`
	WalletID     string `json:"wallet_id"`
	SubAccountID uint16 `json:"sub_account_id"`
}

// handleExecute 取出用户当前收集完成的意图并触发流水线执行。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.executor == nil || s.flows == nil {
		http.Error(w, "流水线未初始化", http.StatusServiceUnavailable)
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	authority, err := solana.PublicKeyFromBase58(req.Authority)
	if err != nil {
		http.Error(w, "authority 不是合法地址", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	intent, ok := s.flows.CurrentFlow(ctx, req.UserID)
	if !ok {
		writeError(w, flow.ErrNoActiveFlow)
		return
	}

	result, err := s.executor.Execute(ctx, pipeline.Request{
		Intent:       intent,
		Authority:    authority,
		WalletID:     req.WalletID,
		SubAccountID: req.SubAccountID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

// handleTransactions 处理交易记录查询。
// 按 tx_hash 精确查询，或按 user_id 过滤分页列表。
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "存储未初始化", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	query := r.URL.Query()

	if txHash := query.Get("tx_hash"); txHash != "" {
		record, err := s.store.GetByHash(ctx, txHash)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, record)
		return
	}

	userID := query.Get("user_id")
	if userID == "" {
		http.Error(w, "缺少 user_id 或 tx_hash 参数", http.StatusBadRequest)
		return
	}

	var opts []ledger.ListOption
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		opts = append(opts, ledger.WithLimit(limit))
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		opts = append(opts, ledger.WithOffset(offset))
	}
	if status := query.Get("status"); status != "" {
		opts = append(opts, ledger.WithStatuses(ledger.Status(status)))
	}
	if txType := query.Get("tx_type"); txType != "" {
		opts = append(opts, ledger.WithTxTypes(ledger.TxType(txType)))
	}

	records, err := s.store.ListForUser(ctx, userID, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"records": records})
}

type positionResponse struct {
	MarketIndex   uint16          `json:"market_index"`
	Side          venue.Side      `json:"side"`
	SignedSize    int64           `json:"signed_size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	QuoteNotional decimal.Decimal `json:"quote_notional"`
	MarginUsed    decimal.Decimal `json:"margin_used"`
}

// handlePositions 返回指定市场的仓位快照。
// 快照每次都从链上重新计算，本服务不维护仓位台账。
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.positions == nil {
		http.Error(w, "仓位查询未初始化", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	authority, err := solana.PublicKeyFromBase58(query.Get("authority"))
	if err != nil {
		http.Error(w, "authority 不是合法地址", http.StatusBadRequest)
		return
	}
	marketIndex, err := strconv.ParseUint(query.Get("market_index"), 10, 16)
	if err != nil {
		http.Error(w, "market_index 不是合法市场索引", http.StatusBadRequest)
		return
	}
	subAccountID := uint64(0)
	if raw := query.Get("sub_account_id"); raw != "" {
		if subAccountID, err = strconv.ParseUint(raw, 10, 16); err != nil {
			http.Error(w, "sub_account_id 不是合法子账户编号", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	existence, err := s.positions.GetAccountExistence(ctx, authority, uint16(subAccountID))
	if err != nil {
		writeError(w, err)
		return
	}
	snapshot, err := s.positions.SnapshotPosition(ctx, existence, uint16(marketIndex))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, positionResponse{
		MarketIndex:   snapshot.MarketIndex,
		Side:          snapshot.Side,
		SignedSize:    snapshot.SignedSize,
		EntryPrice:    snapshot.EntryPrice,
		CurrentPrice:  snapshot.CurrentPrice,
		UnrealizedPnl: snapshot.UnrealizedPnl,
		QuoteNotional: snapshot.QuoteNotional,
		MarginUsed:    snapshot.MarginUsed,
	})
}

// handleStats 返回账本聚合统计。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "存储未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case ledger.CodeRecordNotFound, flow.CodeNoActiveFlow, xerrors.CodeNotFound,
		builder.CodePositionNotFound, venue.CodeMarketNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, builder.CodeIntentFieldMissing,
		builder.CodeLimitPriceRequired, builder.CodeBelowMinimumSize,
		builder.CodeAmountOutOfRange:
		status = http.StatusBadRequest
	case ledger.CodeRecordConflict:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

// withContext 把服务级上下文注入每个请求。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
