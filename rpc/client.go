package rpc

import (
	"context"
	"iter"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/workchain/work"
)

// Client calls a remote ChainService.
type Client struct {
	submit *connect.Client[structpb.Struct, structpb.Struct]
	cancel *connect.Client[structpb.Struct, structpb.Struct]
	get    *connect.Client[structpb.Struct, structpb.Struct]
	watch  *connect.Client[structpb.Struct, structpb.Struct]
}

// NewClient creates a Client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		submit: connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+SubmitChainProcedure, opts...),
		cancel: connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+CancelChainProcedure, opts...),
		get:    connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+GetChainProcedure, opts...),
		watch:  connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+WatchProcedure, opts...),
	}
}

// SubmitChain enqueues a chain. A KEEP conflict yields work.ErrChainActive.
func (c *Client) SubmitChain(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	var out SubmitResponse
	err := call(ctx, c.submit, req, &out)
	return out, err
}

// CancelChain cancels every non-terminal item under name.
func (c *Client) CancelChain(ctx context.Context, name string) (int, error) {
	var out CancelResponse
	err := call(ctx, c.cancel, NameRequest{Name: name}, &out)
	return out.Cancelled, err
}

// GetChain returns the items under name, or work.ErrNotFound when there are
// none.
func (c *Client) GetChain(ctx context.Context, name string) ([]work.Info, error) {
	var out ChainResponse
	if err := call(ctx, c.get, NameRequest{Name: name}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Watch streams status snapshots for req.Name. A failure ends the sequence
// with a non-nil error.
func (c *Client) Watch(ctx context.Context, req WatchRequest) iter.Seq2[work.Info, error] {
	return func(yield func(work.Info, error) bool) {
		msg, err := encode(req)
		if err != nil {
			yield(work.Info{}, err)
			return
		}

		stream, err := c.watch.CallServerStream(ctx, connect.NewRequest(msg))
		if err != nil {
			yield(work.Info{}, fromConnect(err))
			return
		}
		defer stream.Close()

		for stream.Receive() {
			var info work.Info
			if err := decode(stream.Msg(), &info); err != nil {
				yield(work.Info{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(work.Info{}, fromConnect(err))
		}
	}
}

func call(ctx context.Context, client *connect.Client[structpb.Struct, structpb.Struct], in, out any) error {
	msg, err := encode(in)
	if err != nil {
		return err
	}
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return fromConnect(err)
	}
	return decode(resp.Msg, out)
}
