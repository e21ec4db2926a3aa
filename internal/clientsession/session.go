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

// Package clientsession implements the console<->daemon session state
// machine. Two background goroutines feed the main relay
// loop: one reads console command lines (gated request/ack so the
// authenticated flag used for here-doc parsing is never stale), the other
// continuously reads daemon frames. Because the console-to-daemon protocol
// is strictly one-command-then-one-response, the daemon frame immediately
// following a sent command is always its response; any frame the reader
// goroutine delivers while no command is outstanding is, by construction,
// unsolicited and forwarded to the console as-is.
package clientsession

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nabbar/varnishgw/internal/codec"
	"github.com/nabbar/varnishgw/internal/daemonclient"
	"github.com/nabbar/varnishgw/internal/intercept"
	"github.com/nabbar/varnishgw/internal/status"
)

// Config carries the per-session dependencies.
type Config struct {
	DaemonAddr        string
	DaemonTLS         *tls.Config
	DaemonDialTimeout time.Duration
	DaemonReadTimeout time.Duration // short timeout, on the order of one second
	Deps              *intercept.Deps
	Log               logrus.FieldLogger
}

// Session is one console<->daemon relay session.
type Session struct {
	cfg     Config
	console net.Conn

	consoleR *bufio.Reader
	consoleW *bufio.Writer

	authenticated bool
}

// New builds a session for an accepted console connection.
func New(cfg Config, console net.Conn) *Session {
	return &Session{
		cfg:      cfg,
		console:  console,
		consoleR: bufio.NewReader(console),
		consoleW: bufio.NewWriter(console),
	}
}

type daemonFrame struct {
	code status.Code
	body []byte
	err  error
}

type consoleResult struct {
	pc  *codec.ParsedCommand
	err error
}

// Serve runs the session to completion: console EOF, daemon EOF, a protocol
// parse error, or ctx cancellation all terminate it and close both sockets.
func (s *Session) Serve(ctx context.Context) error {
	defer s.console.Close()

	d, err := daemonclient.Dial(s.cfg.DaemonAddr, s.cfg.DaemonTLS, s.cfg.DaemonDialTimeout)
	if err != nil {
		s.cfg.Log.WithError(err).Error("client session: dial daemon failed")
		return err
	}
	defer d.Close()

	if s.cfg.DaemonReadTimeout > 0 {
		_ = d.SetReadTimeout(s.cfg.DaemonReadTimeout)
	}

	greetCode, greetBody, err := d.ReadFrame()
	if err != nil {
		s.cfg.Log.WithError(err).Error("client session: reading daemon greeting failed")
		return err
	}
	if err = codec.WriteResponse(s.consoleW, greetCode, greetBody); err != nil {
		s.cfg.Log.WithError(err).Error("client session: forwarding greeting failed")
		return err
	}

	stopCh := make(chan struct{})
	defer close(stopCh)

	frameCh := make(chan daemonFrame)
	go s.daemonReaderLoop(d, frameCh, stopCh)

	reqCh := make(chan bool, 1)
	resCh := make(chan consoleResult)
	go s.consoleReaderLoop(reqCh, resCh, stopCh)

	rt := &roundTripper{d: d, frames: frameCh}
	interceptor := &intercept.Session{Deps: s.cfg.Deps, Authenticated: &s.authenticated, RT: rt}

	reqCh <- s.authenticated

	for {
		select {
		case <-ctx.Done():
			return nil

		case res := <-resCh:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				if isProtocolParseError(res.err) {
					_ = codec.WriteResponse(s.consoleW, status.Syntax, []byte(res.err.Error()))
				}
				s.cfg.Log.WithError(res.err).Warn("client session: console read failed")
				return res.err
			}

			code, body, derr := interceptor.Dispatch(ctx, res.pc)
			if derr != nil {
				s.cfg.Log.WithError(derr).Warn("client session: daemon round-trip failed")
				return derr
			}
			if werr := codec.WriteResponse(s.consoleW, code, body); werr != nil {
				return werr
			}

			reqCh <- s.authenticated

		case frame := <-frameCh:
			if frame.err != nil {
				s.cfg.Log.WithError(frame.err).Warn("client session: daemon read failed")
				return frame.err
			}
			if werr := codec.WriteResponse(s.consoleW, frame.code, frame.body); werr != nil {
				return werr
			}
		}
	}
}

func isProtocolParseError(err error) bool {
	return errors.Is(err, codec.ErrUnbalancedQuote) || errors.Is(err, codec.ErrEmptyCommand)
}

func (s *Session) consoleReaderLoop(req <-chan bool, res chan<- consoleResult, stop <-chan struct{}) {
	for {
		var authenticated bool
		select {
		case authenticated = <-req:
		case <-stop:
			return
		}

		pc, err := codec.ReadCommand(s.consoleR, authenticated)

		select {
		case res <- consoleResult{pc: pc, err: err}:
		case <-stop:
			return
		}

		if err != nil {
			return
		}
	}
}

func (s *Session) daemonReaderLoop(d *daemonclient.Client, out chan<- daemonFrame, stop <-chan struct{}) {
	for {
		code, body, err := d.ReadFrame()

		select {
		case out <- daemonFrame{code: code, body: body, err: err}:
		case <-stop:
			return
		}

		if err != nil {
			return
		}
	}
}

// roundTripper implements intercept.RoundTripper on top of a daemonclient
// connection whose responses are delivered via frameCh by the session's
// single daemon-reading goroutine.
type roundTripper struct {
	d      *daemonclient.Client
	frames <-chan daemonFrame
}

func (r *roundTripper) Send(pc *codec.ParsedCommand) (status.Code, []byte, error) {
	if pc.HeredocPresent && len(pc.Args) > 0 {
		body := pc.Args[len(pc.Args)-1]
		args := pc.Args[:len(pc.Args)-1]
		if err := r.d.SendHeredoc(pc.Name, args, body); err != nil {
			return 0, nil, err
		}
	} else {
		if err := r.d.SendRaw(pc.Name, pc.Args); err != nil {
			return 0, nil, err
		}
	}
	return r.recv()
}

func (r *roundTripper) SendRaw(name string, args []string) (status.Code, []byte, error) {
	if err := r.d.SendRaw(name, args); err != nil {
		return 0, nil, err
	}
	return r.recv()
}

func (r *roundTripper) recv() (status.Code, []byte, error) {
	f := <-r.frames
	if f.err != nil {
		return 0, nil, f.err
	}
	return f.code, f.body, nil
}
