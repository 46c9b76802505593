// Package rpc exposes a Manager over connect. Every procedure exchanges
// google.protobuf.Struct payloads whose fields mirror the JSON encoding of the
// message types declared here, so any connect, gRPC, or gRPC-Web client can
// call it without generated stubs.
//
//	mux := http.NewServeMux()
//	path, handler := rpc.NewHandler(m)
//	mux.Handle(path, handler)
//
//	c := rpc.NewClient(http.DefaultClient, "http://localhost:8080")
//	resp, err := c.SubmitChain(ctx, rpc.SubmitRequest{Name: "cat", Stages: stages})
package rpc

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/workchain/work"
)

const ServiceName = "workchain.v1.ChainService"

const (
	SubmitChainProcedure = "/" + ServiceName + "/SubmitChain"
	CancelChainProcedure = "/" + ServiceName + "/CancelChain"
	GetChainProcedure    = "/" + ServiceName + "/GetChain"
	WatchProcedure       = "/" + ServiceName + "/Watch"
)

// SubmitRequest enqueues a chain. An empty Policy means keep.
type SubmitRequest struct {
	Name   string         `json:"name"`
	Policy work.Policy    `json:"policy,omitempty"`
	Stages []work.Request `json:"stages"`
}

// SubmitResponse describes the enqueued chain.
type SubmitResponse struct {
	ChainID    string   `json:"chain_id"`
	UniqueName string   `json:"unique_name"`
	Items      []string `json:"items"`
	Replaced   []string `json:"replaced,omitempty"`
	AppendedTo string   `json:"appended_to,omitempty"`
}

// NameRequest addresses the chain filed under Name.
type NameRequest struct {
	Name string `json:"name"`
}

// CancelResponse reports how many items were cancelled.
type CancelResponse struct {
	Cancelled int `json:"cancelled"`
}

// ChainResponse is the current snapshot of every item under a name.
type ChainResponse struct {
	Items []work.Info `json:"items"`
}

// WatchRequest opens a status stream. With UntilSettled the stream ends once
// every item seen is terminal.
type WatchRequest struct {
	Name         string `json:"name"`
	UntilSettled bool   `json:"until_settled,omitempty"`
}

// encode converts v to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// decode fills v from the JSON form of s. A nil Struct decodes as empty.
func decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
