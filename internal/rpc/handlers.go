package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// swapError maps the engine's error taxonomy onto JSON-RPC codes.
func swapError(err error) *Error {
	switch {
	case errors.Is(err, order.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, swap.ErrValidation):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, swap.ErrStateConflict):
		return &Error{Code: CodeConflict, Message: err.Error()}
	default:
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
}

// handleSubmitOrder accepts a new order. The response is written after
// the order context is durable; execution continues asynchronously and
// is observed through swap_getOrder.
func (s *Server) handleSubmitOrder(ctx context.Context, req *Request) (interface{}, *Error) {
	var params SubmitOrderParam
	if errRPC := parseParams(req, &params); errRPC != nil {
		return nil, errRPC
	}
	if params.Order == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "order required"}
	}

	octx, err := s.swapper.SubmitOrder(ctx, params.Order)
	if err != nil {
		return nil, swapError(err)
	}
	return &SubmitOrderResult{
		OrderHash: octx.OrderHash.String(),
		Status:    string(octx.Status),
	}, nil
}

// handleGetOrder returns the current context of one order.
func (s *Server) handleGetOrder(req *Request) (interface{}, *Error) {
	hash, errRPC := parseOrderHash(req)
	if errRPC != nil {
		return nil, errRPC
	}
	octx, err := s.swapper.Status(hash)
	if err != nil {
		return nil, swapError(err)
	}
	return NewOrderResult(octx), nil
}

// handleCancelOrder withdraws an order that has not started executing.
func (s *Server) handleCancelOrder(req *Request) (interface{}, *Error) {
	hash, errRPC := parseOrderHash(req)
	if errRPC != nil {
		return nil, errRPC
	}
	if err := s.swapper.Cancel(hash); err != nil {
		return nil, swapError(err)
	}
	return &CancelOrderResult{OrderHash: hash.String(), Cancelled: true}, nil
}

// handleListPending returns orders awaiting their first execution step.
func (s *Server) handleListPending(_ *Request) (interface{}, *Error) {
	return newListResult(s.swapper.Pending()), nil
}

// handleListActive returns every non-terminal order.
func (s *Server) handleListActive(_ *Request) (interface{}, *Error) {
	return newListResult(s.swapper.Active()), nil
}

// handleGetInfo reports the resolver's configured chains and order
// counts.
func (s *Server) handleGetInfo(_ *Request) (interface{}, *Error) {
	var info InfoResult
	if s.info != nil {
		info = s.info()
	}
	info.ActiveOrders = len(s.swapper.Active())
	return &info, nil
}

// handleGetBalances reports per-chain funding balances.
func (s *Server) handleGetBalances(ctx context.Context, _ *Request) (interface{}, *Error) {
	if s.balances == nil {
		return &BalancesResult{Balances: []ChainBalance{}}, nil
	}
	return &BalancesResult{Balances: s.balances(ctx)}, nil
}

func newListResult(orders []*order.Context) *ListResult {
	res := &ListResult{Orders: make([]*OrderResult, 0, len(orders))}
	for _, octx := range orders {
		res.Orders = append(res.Orders, NewOrderResult(octx))
	}
	res.Count = len(res.Orders)
	return res
}

func parseOrderHash(req *Request) (types.Hash, *Error) {
	var params OrderHashParam
	if errRPC := parseParams(req, &params); errRPC != nil {
		return types.Hash{}, errRPC
	}
	hash, err := types.HexToHash(params.OrderHash)
	if err != nil {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid orderHash: %v", err)}
	}
	return hash, nil
}
