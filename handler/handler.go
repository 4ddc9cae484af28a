// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the wisp.Handler and wisp.AsyncHandler
// types for functions with typed parameters and results.
//
// Parameters and results are serialized with encoding/json. A parameter that
// does not unmarshal into the function's parameter type is reported to the
// peer as an invalid-params error (code -32602) without invoking the
// function.
package handler

import (
	"encoding/json"

	"github.com/glowkit/wisp"
)

// Sync adapts a function f that accepts parameters of type P and returns a
// result of type R and an error, to a wisp.Handler.
func Sync[P, R any](f func(P) (R, error)) wisp.Handler {
	return func(params json.RawMessage) (any, error) {
		p, err := decode[P](params)
		if err != nil {
			return nil, err
		}
		return f(p)
	}
}

// NoParams adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a wisp.Handler. Parameters sent by the
// caller, if any, are ignored.
func NoParams[R any](f func() (R, error)) wisp.Handler {
	return func(json.RawMessage) (any, error) { return f() }
}

// NoResult adapts a function f that accepts parameters of type P and returns
// an error with no result, to a wisp.Handler. A successful call reports a
// null result.
func NoResult[P any](f func(P) error) wisp.Handler {
	return func(params json.RawMessage) (any, error) {
		p, err := decode[P](params)
		if err != nil {
			return nil, err
		}
		return nil, f(p)
	}
}

// Async adapts a function f that accepts a sender and parameters of type P,
// to a wisp.AsyncHandler. A parameter decoding failure completes the call
// with an invalid-params error before f is invoked.
func Async[P any](f func(s *wisp.Sender, p P) error) wisp.AsyncHandler {
	return func(s *wisp.Sender, params json.RawMessage) error {
		p, err := decode[P](params)
		if err != nil {
			return err
		}
		return f(s, p)
	}
}

// decode unmarshals params into a value of type P. Absent params decode as
// the zero value.
func decode[P any](params json.RawMessage) (P, error) {
	var p P
	if len(params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, wisp.InvalidParams("%v", err)
	}
	return p, nil
}
