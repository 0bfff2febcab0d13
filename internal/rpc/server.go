package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sharding-experiment/sandbox/internal/logging"
	"github.com/sharding-experiment/sandbox/internal/network"
	"github.com/sharding-experiment/sandbox/internal/node"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// maxRequestBody bounds a JSON-RPC request; deploys carry whole contracts.
const maxRequestBody = 16 << 20

// Server serves one node over HTTP.
type Server struct {
	node   *node.Node
	log    *zap.Logger
	router *mux.Router
	srv    *http.Server
}

func NewServer(n *node.Node, log *zap.Logger) *Server {
	s := &Server{
		node:   n,
		log:    logging.OrNop(log).Named("rpc"),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleJSONRPC).Methods("POST")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.node.Metrics().Registry, promhttp.HandlerOpts{})).Methods("GET")
}

// Handler returns the router wrapped with compression and request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(handlers.CompressHandler(s.router))
}

// Listen binds addr and serves in the background. It returns the base URL,
// which carries the real port when addr asks for port 0.
func (s *Server) Listen(addr string) (string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("RPC server stopped", zap.Error(err))
		}
	}()
	url := "http://" + l.Addr().String()
	s.log.Info("RPC server listening", zap.String("url", url))
	return url, nil
}

// Shutdown stops the HTTP server started by Listen.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(network.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(network.RequestIDHeader, id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Debug("HTTP request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.node.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{CodeInvalidRequest, "invalid request: " + err.Error()},
			ID:      json.RawMessage("null"),
		})
		return
	}
	if req.ID == nil {
		req.ID = json.RawMessage("null")
	}

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := s.dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		resp.Error = toRPCError(err)
		s.log.Debug("RPC call failed",
			zap.String("rpc_method", req.Method),
			zap.Int("code", resp.Error.Code),
			zap.Error(err),
		)
	} else {
		if result == nil {
			result = json.RawMessage("null")
		}
		resp.Result = result
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func toRPCError(err error) *rpcError {
	var pe *paramsError
	var ee *node.ExecutionError
	switch {
	case errors.As(err, &pe):
		return &rpcError{CodeInvalidParams, err.Error()}
	case errors.Is(err, errMethodNotFound):
		return &rpcError{CodeMethodNotFound, err.Error()}
	case errors.As(err, &ee):
		return &rpcError{CodeExecutionError, err.Error()}
	default:
		return &rpcError{CodeServerError, err.Error()}
	}
}

func (s *Server) dispatch(ctx context.Context, method string, params []json.RawMessage) (interface{}, error) {
	n := s.node
	switch method {
	case "sandbox_status":
		return n.Status(ctx)

	case "sandbox_block":
		var q BlockQuery
		if err := decodeParams(params, 0, &q); err != nil {
			return nil, err
		}
		if q.Hash != nil {
			return n.BlockByHash(ctx, *q.Hash)
		}
		return n.Block(ctx, protocol.BlockRef{Height: q.Height})

	case "sandbox_produceBlock":
		return n.ProduceBlock(ctx)

	case "sandbox_viewAccount":
		var id protocol.AccountID
		var ref protocol.BlockRef
		if err := decodeParams(params, 1, &id, &ref); err != nil {
			return nil, err
		}
		return n.ViewAccount(ctx, id, ref)

	case "sandbox_viewAccessKey":
		var id protocol.AccountID
		var pk string
		if err := decodeParams(params, 2, &id, &pk); err != nil {
			return nil, err
		}
		return n.ViewAccessKey(ctx, id, pk)

	case "sandbox_viewCode":
		var id protocol.AccountID
		var ref protocol.BlockRef
		if err := decodeParams(params, 1, &id, &ref); err != nil {
			return nil, err
		}
		code, err := n.ViewCode(ctx, id, ref)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(code), nil

	case "sandbox_viewState":
		var id protocol.AccountID
		var p ViewStateParams
		if err := decodeParams(params, 1, &id, &p); err != nil {
			return nil, err
		}
		return n.ViewState(ctx, id, p.Slots, p.WithProof)

	case "sandbox_call":
		var id protocol.AccountID
		var input hexutil.Bytes
		var ref protocol.BlockRef
		if err := decodeParams(params, 2, &id, &input, &ref); err != nil {
			return nil, err
		}
		return n.CallFunction(ctx, id, input, ref)

	case "sandbox_sendTransaction":
		var stx protocol.SignedTransaction
		if err := decodeParams(params, 1, &stx); err != nil {
			return nil, err
		}
		return n.SendTransaction(ctx, &stx)

	case "sandbox_txStatus":
		var hash common.Hash
		if err := decodeParams(params, 1, &hash); err != nil {
			return nil, err
		}
		return n.TxStatus(ctx, hash)

	case "sandbox_patchState":
		var patches []protocol.StatePatch
		if err := decodeParams(params, 1, &patches); err != nil {
			return nil, err
		}
		return n.PatchState(ctx, patches)

	case "sandbox_fastForward":
		var delta uint64
		if err := decodeParams(params, 1, &delta); err != nil {
			return nil, err
		}
		return n.FastForward(ctx, delta)

	case "sandbox_snapshot":
		return n.Snapshot(ctx)

	case "sandbox_revert":
		var id string
		if err := decodeParams(params, 1, &id); err != nil {
			return nil, err
		}
		return n.Revert(ctx, id)

	case "eth_chainId":
		return hexutil.Uint64(n.Config().ChainID), nil

	case "eth_blockNumber":
		b, err := n.Block(ctx, protocol.Latest())
		if err != nil {
			return nil, err
		}
		return hexutil.Uint64(b.Height), nil

	case "eth_getBalance":
		var addr common.Address
		var block *gethrpc.BlockNumberOrHash
		if err := decodeParams(params, 1, &addr, &block); err != nil {
			return nil, err
		}
		ref, err := s.blockRef(ctx, block)
		if err != nil {
			return nil, err
		}
		bal, err := n.Balance(ctx, addr, ref)
		if err != nil {
			return nil, err
		}
		return (*hexutil.Big)(bal.ToBig()), nil

	case "eth_getCode":
		var addr common.Address
		var block *gethrpc.BlockNumberOrHash
		if err := decodeParams(params, 1, &addr, &block); err != nil {
			return nil, err
		}
		ref, err := s.blockRef(ctx, block)
		if err != nil {
			return nil, err
		}
		code, err := n.Code(ctx, addr, ref)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(code), nil

	case "eth_getStorageAt":
		var addr common.Address
		var slot common.Hash
		var block *gethrpc.BlockNumberOrHash
		if err := decodeParams(params, 2, &addr, &slot, &block); err != nil {
			return nil, err
		}
		ref, err := s.blockRef(ctx, block)
		if err != nil {
			return nil, err
		}
		val, err := n.StorageAt(ctx, addr, slot, ref)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(val.Bytes()), nil

	case "eth_getTransactionCount":
		var addr common.Address
		var block *gethrpc.BlockNumberOrHash
		if err := decodeParams(params, 1, &addr, &block); err != nil {
			return nil, err
		}
		ref, err := s.blockRef(ctx, block)
		if err != nil {
			return nil, err
		}
		nonce, err := n.Nonce(ctx, addr, ref)
		if err != nil {
			return nil, err
		}
		return hexutil.Uint64(nonce), nil

	default:
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
	}
}

// blockRef maps an eth block parameter onto a sandbox block reference.
// Tags other than "earliest" all mean the head block.
func (s *Server) blockRef(ctx context.Context, block *gethrpc.BlockNumberOrHash) (protocol.BlockRef, error) {
	if block == nil {
		return protocol.Latest(), nil
	}
	if hash, ok := block.Hash(); ok {
		b, err := s.node.BlockByHash(ctx, hash)
		if err != nil {
			return protocol.BlockRef{}, err
		}
		return protocol.AtHeight(b.Height), nil
	}
	num, _ := block.Number()
	if num < 0 {
		return protocol.Latest(), nil
	}
	return protocol.AtHeight(uint64(num)), nil
}
