/*
MIT License

Copyright (c) 2019 Nicolas JUHEL

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package gwerrors is a process-level error type that carries a numeric
// code and an optional parent chain, for the startup/persistence failure
// paths that are not part of the wire protocol's own status codes (see
// internal/status for those).
package gwerrors

import (
	"fmt"
	"strings"
)

// Kind classifies a process-level error for logging and exit-code purposes.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindStartup
	KindIO
	KindProtocol
	KindAuth
	KindPersistence
	KindLocal
)

func (k Kind) String() string {
	switch k {
	case KindStartup:
		return "startup"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindPersistence:
		return "persistence"
	case KindLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Error is a process-level error: a kind, a message, and optional parents.
type Error struct {
	kind    Kind
	message string
	parents []error
}

// New builds an Error of the given kind wrapping zero or more parent errors.
func New(kind Kind, message string, parents ...error) *Error {
	return &Error{
		kind:    kind,
		message: message,
		parents: filterNil(parents),
	}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a kind and message to an existing error as its sole parent.
// Returns nil if err is nil: only produce an Error when there is actually
// something to report.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(kind, message, err)
}

func filterNil(errs []error) []error {
	out := make([]error, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	return e.kind
}

// Error implements the error interface, folding in parent messages.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if len(e.parents) == 0 {
		return e.message
	}
	parts := make([]string, 0, len(e.parents)+1)
	parts = append(parts, e.message)
	for _, p := range e.parents {
		parts = append(parts, p.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the parent chain to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	return e.parents
}
