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

// Package intercept is the table-driven Command Interceptor:
// it sits on the console-to-daemon direction of a Client Session, mutating
// or synthesizing responses and updating the Persisted State Store.
package intercept

import (
	"context"
	"fmt"
	"runtime"

	"github.com/nabbar/varnishgw/internal/codec"
	"github.com/nabbar/varnishgw/internal/statsproc"
	"github.com/nabbar/varnishgw/internal/status"
	"github.com/nabbar/varnishgw/internal/store"
)

// RoundTripper sends a command to the cache daemon and returns its response.
// Implemented by the Client Session, whose daemon-reader goroutine owns the
// actual socket (intercept never touches the connection directly).
type RoundTripper interface {
	// Send forwards pc exactly as parsed, re-emitting a here-document if
	// pc.HeredocPresent is set.
	Send(pc *codec.ParsedCommand) (status.Code, []byte, error)
	// SendRaw issues an auxiliary plain command not tied to a ParsedCommand
	// (used by vcl.use to send the preceding vcl.show probe).
	SendRaw(name string, args []string) (status.Code, []byte, error)
}

// Deps bundles the Command Interceptor's dependencies.
type Deps struct {
	Params  *store.ParamStore
	VCL     *store.VCLStore
	Stats   *statsproc.Runner
	Secret  string
	Version string
}

// Session binds Deps and a RoundTripper to one Client Session's mutable
// authentication flag.
type Session struct {
	Deps          *Deps
	Authenticated *bool
	RT            RoundTripper
}

// Dispatch looks up pc.Name in the intercept table by exact match and runs
// the corresponding handler, or forwards the command unmodified on the
// default path.
func (s *Session) Dispatch(ctx context.Context, pc *codec.ParsedCommand) (status.Code, []byte, error) {
	switch pc.Name {
	case "auth":
		return s.handleAuth(pc)
	case "vcl.use":
		return s.handleVclUse(pc)
	case "param.set":
		return s.handleParamSet(pc)
	case "agent.stat":
		return s.handleAgentStat(ctx)
	case "agent.ping":
		return status.OK, []byte("pong"), nil
	case "agent.version":
		return status.OK, []byte(s.versionString()), nil
	default:
		return s.RT.Send(pc)
	}
}

func (s *Session) handleAuth(pc *codec.ParsedCommand) (status.Code, []byte, error) {
	code, body, err := s.RT.Send(pc)
	if err != nil {
		return 0, nil, err
	}
	if code == status.OK {
		*s.Authenticated = true
	}
	return code, body, nil
}

// handleVclUse preserves the upstream vcl.show/vcl.use split verbatim:
// persistence only happens when BOTH the probing vcl.show and the actual
// vcl.use return OK. If vcl.show fails but vcl.use succeeds, daemon state
// changes but the VCL file is left untouched. Do not silently "fix" this.
func (s *Session) handleVclUse(pc *codec.ParsedCommand) (status.Code, []byte, error) {
	if len(pc.Args) == 0 {
		// Missing argument: forward as-is and let the daemon produce the error.
		return s.RT.Send(pc)
	}

	name := pc.Args[0]

	showCode, showBody, err := s.RT.SendRaw("vcl.show", []string{name})
	if err != nil {
		return 0, nil, err
	}

	useCode, useBody, err := s.RT.Send(pc)
	if err != nil {
		return 0, nil, err
	}

	if showCode == status.OK && useCode == status.OK {
		_ = s.Deps.VCL.Write(string(showBody))
	}

	return useCode, useBody, nil
}

func (s *Session) handleParamSet(pc *codec.ParsedCommand) (status.Code, []byte, error) {
	code, body, err := s.RT.Send(pc)
	if err != nil {
		return 0, nil, err
	}

	if code == status.OK && len(pc.Args) >= 2 {
		_ = s.Deps.Params.AddParam(pc.Args[0], pc.Args[1])
	}

	return code, body, nil
}

func (s *Session) handleAgentStat(ctx context.Context) (status.Code, []byte, error) {
	if s.Deps.Secret != "" && !*s.Authenticated {
		return status.Cant, []byte("Not an authenticated connection"), nil
	}

	out, err := s.Deps.Stats.Run(ctx)
	if err != nil {
		return status.Cant, []byte(err.Error()), nil
	}

	return status.OK, []byte(out), nil
}

func (s *Session) versionString() string {
	v := s.Deps.Version
	if v == "" {
		v = "dev"
	}
	return fmt.Sprintf("varnishgw %s (%s)", v, runtime.Version())
}
