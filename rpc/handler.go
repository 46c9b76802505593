package rpc

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/workchain/bus"
	"github.com/tailored-agentic-units/workchain/scheduler"
	"github.com/tailored-agentic-units/workchain/work"
)

// Service is the manager surface the handlers call. *manager.Manager
// satisfies it.
type Service interface {
	SubmitChain(ctx context.Context, name string, policy work.Policy, reqs ...work.Request) (scheduler.Chain, error)
	Cancel(ctx context.Context, name string) (int, error)
	ChainInfo(ctx context.Context, name string) ([]work.Info, error)
	Subscribe(ctx context.Context, name string) (*bus.Subscription, error)
}

type handler struct {
	svc Service
}

// NewHandler builds the connect handlers for svc and returns the path prefix
// to mount them under.
func NewHandler(svc Service, opts ...connect.HandlerOption) (string, http.Handler) {
	h := &handler{svc: svc}

	mux := http.NewServeMux()
	mux.Handle(SubmitChainProcedure, connect.NewUnaryHandler(SubmitChainProcedure, h.submitChain, opts...))
	mux.Handle(CancelChainProcedure, connect.NewUnaryHandler(CancelChainProcedure, h.cancelChain, opts...))
	mux.Handle(GetChainProcedure, connect.NewUnaryHandler(GetChainProcedure, h.getChain, opts...))
	mux.Handle(WatchProcedure, connect.NewServerStreamHandler(WatchProcedure, h.watch, opts...))
	return "/" + ServiceName + "/", mux
}

func (h *handler) submitChain(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in SubmitRequest
	if err := decode(req.Msg, &in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("decode submit request: %w", err))
	}

	policy := work.PolicyKeep
	if in.Policy != "" {
		p, err := work.ParsePolicy(string(in.Policy))
		if err != nil {
			return nil, toConnect(err)
		}
		policy = p
	}

	chain, err := h.svc.SubmitChain(ctx, in.Name, policy, in.Stages...)
	if err != nil {
		return nil, toConnect(err)
	}

	return respond(SubmitResponse{
		ChainID:    chain.ID,
		UniqueName: chain.UniqueName,
		Items:      chain.IDs(),
		Replaced:   chain.Replaced,
		AppendedTo: chain.AppendedTo,
	})
}

func (h *handler) cancelChain(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in NameRequest
	if err := decode(req.Msg, &in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	n, err := h.svc.Cancel(ctx, in.Name)
	if err != nil {
		return nil, toConnect(err)
	}
	return respond(CancelResponse{Cancelled: n})
}

func (h *handler) getChain(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in NameRequest
	if err := decode(req.Msg, &in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	infos, err := h.svc.ChainInfo(ctx, in.Name)
	if err != nil {
		return nil, toConnect(err)
	}
	if len(infos) == 0 {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: no items under %q", work.ErrNotFound, in.Name))
	}
	return respond(ChainResponse{Items: infos})
}

func (h *handler) watch(ctx context.Context, req *connect.Request[structpb.Struct], stream *connect.ServerStream[structpb.Struct]) error {
	var in WatchRequest
	if err := decode(req.Msg, &in); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}

	sub, err := h.svc.Subscribe(ctx, in.Name)
	if err != nil {
		return toConnect(err)
	}
	defer sub.Close()

	latest := make(map[string]work.State)
	for info := range sub.All(ctx) {
		msg, err := encode(info)
		if err != nil {
			return connect.NewError(connect.CodeInternal, err)
		}
		if err := stream.Send(msg); err != nil {
			return err
		}

		latest[info.ID] = info.State
		if in.UntilSettled && h.settled(ctx, in.Name, latest) {
			return nil
		}
	}
	return ctx.Err()
}

// settled reports whether every item under name is terminal both in the
// store and in what the stream has already sent.
func (h *handler) settled(ctx context.Context, name string, sent map[string]work.State) bool {
	for _, s := range sent {
		if !s.IsTerminal() {
			return false
		}
	}

	infos, err := h.svc.ChainInfo(ctx, name)
	if err != nil || len(infos) == 0 {
		return false
	}
	for _, info := range infos {
		if s, ok := sent[info.ID]; !ok || s != info.State {
			return false
		}
	}
	return true
}

func respond(v any) (*connect.Response[structpb.Struct], error) {
	msg, err := encode(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}
