package rpc

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/tailored-agentic-units/workchain/work"
)

var codes = []struct {
	target error
	code   connect.Code
}{
	{work.ErrEmptyName, connect.CodeInvalidArgument},
	{work.ErrEmptyChain, connect.CodeInvalidArgument},
	{work.ErrUnknownPolicy, connect.CodeInvalidArgument},
	{work.ErrUnknownKind, connect.CodeInvalidArgument},
	{work.ErrChainActive, connect.CodeAlreadyExists},
	{work.ErrNotFound, connect.CodeNotFound},
	{work.ErrInvalidTransition, connect.CodeFailedPrecondition},
	{work.ErrConflict, connect.CodeAborted},
	{context.Canceled, connect.CodeCanceled},
	{context.DeadlineExceeded, connect.CodeDeadlineExceeded},
}

// toConnect maps a manager error onto a connect error.
func toConnect(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return connect.NewError(c.code, err)
		}
	}
	return connect.NewError(connect.CodeInternal, err)
}

// fromConnect restores the work sentinel for codes that carry exactly one.
func fromConnect(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if !errors.As(err, &ce) {
		return err
	}

	var target error
	switch ce.Code() {
	case connect.CodeAlreadyExists:
		target = work.ErrChainActive
	case connect.CodeNotFound:
		target = work.ErrNotFound
	case connect.CodeFailedPrecondition:
		target = work.ErrInvalidTransition
	case connect.CodeAborted:
		target = work.ErrConflict
	default:
		return err
	}
	return fmt.Errorf("%w: %s", target, ce.Message())
}
