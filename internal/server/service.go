package server

import (
	"context"

	"google.golang.org/grpc"

	"PredictLedger/internal/core"
	"PredictLedger/internal/crypto"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/money"
	"PredictLedger/internal/query"
	"PredictLedger/internal/tx"
)

const ServiceName = "predictledger.v1.LedgerService"

// Ledger is the engine surface the transports expose.
type Ledger interface {
	ApplySigned(ctx context.Context, env *tx.SignedEnvelope) (*core.Receipt, error)
	ConnectWallet(ctx context.Context, pubkeyHex, displayName string) (ledger.Account, bool, error)
	GetBalance(addr string) int64
	GetNonce(addr string) uint64
	GetAccount(addr string) (ledger.Account, bool)
	Resolve(nameOrAddress string) (string, error)
	GetMarket(id string) (*market.Market, error)
	ListMarkets() []*market.Market
	Leaderboard(limit int) []*market.Market
	Recipes(addr string) []ledger.Recipe
	LookupReceipt(ctx context.Context, digest string) (*core.Receipt, error)
	Sequence() int64
}

// HistoryReader serves the persisted audit log and the projection tables.
type HistoryReader interface {
	History(ctx context.Context, address string, limit int, after string) (*query.HistoryPage, error)
	ProjectedBalance(ctx context.Context, address string) (*query.BalanceResponse, error)
	MarketStats(ctx context.Context, marketID string) (*query.MarketStatsResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// --- messages ---

type AccountRequest struct {
	Address string `json:"address"`
}

type BalanceResponse struct {
	Address      string       `json:"address"`
	Balance      money.Amount `json:"balance"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

type NonceResponse struct {
	Address      string `json:"address"`
	Nonce        uint64 `json:"nonce"`
	NextNonce    uint64 `json:"next_nonce"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type MarketRequest struct {
	MarketID string `json:"market_id"`
}

type ConnectWalletRequest struct {
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name"`
}

type ConnectWalletResponse struct {
	Account ledger.Account `json:"account"`
	Created bool           `json:"created"`
	Balance money.Amount   `json:"balance"`
}

// LedgerServiceServer is the RPC contract of predictledger.v1.LedgerService.
type LedgerServiceServer interface {
	SubmitTransaction(context.Context, *tx.SignedEnvelope) (*core.Receipt, error)
	GetBalance(context.Context, *AccountRequest) (*BalanceResponse, error)
	GetNonce(context.Context, *AccountRequest) (*NonceResponse, error)
	GetMarket(context.Context, *MarketRequest) (*market.Market, error)
}

// LedgerService implements LedgerServiceServer over an engine. Errors are
// returned as ledger errors; the gRPC interceptor converts them to status.
type LedgerService struct {
	ledger  Ledger
	limiter *ingestion.SenderLimiter
}

func NewLedgerService(l Ledger, limiter *ingestion.SenderLimiter) *LedgerService {
	return &LedgerService{ledger: l, limiter: limiter}
}

func (s *LedgerService) SubmitTransaction(ctx context.Context, env *tx.SignedEnvelope) (*core.Receipt, error) {
	if !s.limiter.Allow(env.SenderPubkey) {
		return nil, ErrRateLimited
	}
	return s.ledger.ApplySigned(ctx, env)
}

func (s *LedgerService) GetBalance(_ context.Context, req *AccountRequest) (*BalanceResponse, error) {
	addr, err := s.address(req.Address)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{
		Address:      addr,
		Balance:      money.Amount(s.ledger.GetBalance(addr)),
		AsOfSequence: s.ledger.Sequence(),
	}, nil
}

func (s *LedgerService) GetNonce(_ context.Context, req *AccountRequest) (*NonceResponse, error) {
	addr, err := s.address(req.Address)
	if err != nil {
		return nil, err
	}
	n := s.ledger.GetNonce(addr)
	return &NonceResponse{
		Address:      addr,
		Nonce:        n,
		NextNonce:    n + 1,
		AsOfSequence: s.ledger.Sequence(),
	}, nil
}

func (s *LedgerService) GetMarket(_ context.Context, req *MarketRequest) (*market.Market, error) {
	return s.ledger.GetMarket(req.MarketID)
}

// ConnectWallet is HTTP-only.
func (s *LedgerService) ConnectWallet(ctx context.Context, req *ConnectWalletRequest) (*ConnectWalletResponse, error) {
	acct, created, err := s.ledger.ConnectWallet(ctx, req.PublicKey, req.DisplayName)
	if err != nil {
		return nil, err
	}
	return &ConnectWalletResponse{
		Account: acct,
		Created: created,
		Balance: money.Amount(s.ledger.GetBalance(acct.Address)),
	}, nil
}

// address accepts a display name or an address. A well-formed address with
// no account resolves to itself so balance reads return zero.
func (s *LedgerService) address(nameOrAddress string) (string, error) {
	addr, err := s.ledger.Resolve(nameOrAddress)
	if err == nil {
		return addr, nil
	}
	if crypto.IsAddress(nameOrAddress) {
		return nameOrAddress, nil
	}
	return "", err
}

// --- service descriptor ---

func unaryHandler[Req, Resp any](method string, call func(LedgerServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitTransaction",
			Handler: unaryHandler("SubmitTransaction", func(s LedgerServiceServer, ctx context.Context, in *tx.SignedEnvelope) (*core.Receipt, error) {
				return s.SubmitTransaction(ctx, in)
			}),
		},
		{
			MethodName: "GetBalance",
			Handler: unaryHandler("GetBalance", func(s LedgerServiceServer, ctx context.Context, in *AccountRequest) (*BalanceResponse, error) {
				return s.GetBalance(ctx, in)
			}),
		},
		{
			MethodName: "GetNonce",
			Handler: unaryHandler("GetNonce", func(s LedgerServiceServer, ctx context.Context, in *AccountRequest) (*NonceResponse, error) {
				return s.GetNonce(ctx, in)
			}),
		},
		{
			MethodName: "GetMarket",
			Handler: unaryHandler("GetMarket", func(s LedgerServiceServer, ctx context.Context, in *MarketRequest) (*market.Market, error) {
				return s.GetMarket(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "predictledger/v1/ledger.json",
}

// RegisterLedgerServiceServer registers srv on s.
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

// LedgerClient calls predictledger.v1.LedgerService with the JSON codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

func (c *LedgerClient) SubmitTransaction(ctx context.Context, env *tx.SignedEnvelope) (*core.Receipt, error) {
	out := new(core.Receipt)
	if err := c.invoke(ctx, "SubmitTransaction", env, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetBalance(ctx context.Context, address string) (*BalanceResponse, error) {
	out := new(BalanceResponse)
	if err := c.invoke(ctx, "GetBalance", &AccountRequest{Address: address}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetNonce(ctx context.Context, address string) (*NonceResponse, error) {
	out := new(NonceResponse)
	if err := c.invoke(ctx, "GetNonce", &AccountRequest{Address: address}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetMarket(ctx context.Context, marketID string) (*market.Market, error) {
	out := new(market.Market)
	if err := c.invoke(ctx, "GetMarket", &MarketRequest{MarketID: marketID}, out); err != nil {
		return nil, err
	}
	return out, nil
}
