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

// Package mastersession replays persisted state onto a freshly (re)started
// cache daemon that has called back in on the master port.
// The daemon is the TCP client here: it dials our master listener, and the
// accepted connection is what this package drives. Unlike a Client Session
// it drives the conversation itself, strictly sequentially: handshake, then
// every persisted parameter one at a time, then the persisted VCL (if any),
// then a quiet read loop that only watches for the daemon closing the
// connection. A failure replaying one parameter or the VCL is logged and
// does not abort the remaining replay steps; the daemon decides for itself
// what a bad parameter or VCL means.
package mastersession

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/nabbar/varnishgw/internal/daemonclient"
	"github.com/nabbar/varnishgw/internal/status"
	"github.com/nabbar/varnishgw/internal/store"
)

// Config carries the master session's dependencies.
type Config struct {
	Secret string
	Params *store.ParamStore
	VCL    *store.VCLStore
	Log    logrus.FieldLogger
}

// Run drives a Master Session over conn, an already-accepted connection
// from the cache daemon's call-in. It authenticates, replays persisted
// state, then blocks reading frames until the daemon closes the connection
// or sends something that ends the session. It returns when the connection
// ends; conn is not closed here, the caller (the supervisor's accept loop)
// owns it.
func Run(conn net.Conn, cfg Config) error {
	d := daemonclient.NewFromConn(conn)

	code, body, err := d.Handshake(cfg.Secret)
	if err != nil {
		cfg.Log.WithError(err).Error("master session: handshake failed")
		return err
	}
	if code != status.OK {
		cfg.Log.WithFields(logrus.Fields{"status": code.Name()}).
			Error("master session: handshake did not conclude OK")
		return fmt.Errorf("mastersession: handshake status %s: %s", code.Name(), body)
	}

	replayParams(d, cfg)
	replayVCL(d, cfg)

	return watch(d, cfg)
}

// replayParams sends param.set for every persisted parameter, in order,
// logging each outcome without stopping on failure.
func replayParams(d *daemonclient.Client, cfg Config) {
	for _, p := range cfg.Params.List() {
		code, body, err := sendCommand(d, "param.set", []string{p.Name, p.Value})
		if err != nil {
			cfg.Log.WithError(err).WithField("param", p.Name).
				Error("master session: replaying parameter failed, connection unusable")
			return
		}
		if code != status.OK {
			cfg.Log.WithFields(logrus.Fields{
				"param": p.Name, "status": code.Name(), "body": string(body),
			}).Warn("master session: daemon rejected persisted parameter")
			continue
		}
		cfg.Log.WithField("param", p.Name).Debug("master session: replayed parameter")
	}
}

// replayVCL pushes the persisted VCL blob via vcl.inline under a name
// derived from its fingerprint, makes it active with vcl.use, then starts
// it, logging failures without aborting the session. An empty persisted
// VCL blob is a no-op: there is nothing to load on a daemon that has never
// had a VCL configured through this gateway. Naming the label after the
// fingerprint rather than a fixed or configured name means a replay never
// collides with whatever label the daemon already has loaded for the same
// content, and a changed blob always gets a fresh label.
func replayVCL(d *daemonclient.Client, cfg Config) {
	body := cfg.VCL.Body()
	if body == "" {
		return
	}

	name := store.Fingerprint(body)

	if err := d.SendHeredoc("vcl.inline", []string{name}, body); err != nil {
		cfg.Log.WithError(err).Error("master session: sending persisted VCL failed")
		return
	}
	code, respBody, err := d.ReadFrame()
	if err != nil {
		cfg.Log.WithError(err).Error("master session: reading vcl.inline response failed")
		return
	}
	if code != status.OK {
		cfg.Log.WithFields(logrus.Fields{"status": code.Name(), "body": string(respBody)}).
			Warn("master session: daemon rejected persisted VCL")
		return
	}

	useCode, useBody, err := sendCommand(d, "vcl.use", []string{name})
	if err != nil {
		cfg.Log.WithError(err).Error("master session: vcl.use failed")
		return
	}
	if useCode != status.OK {
		cfg.Log.WithFields(logrus.Fields{"status": useCode.Name(), "body": string(useBody)}).
			Warn("master session: daemon refused to activate persisted VCL")
		return
	}

	startCode, startBody, err := sendCommand(d, "start", nil)
	if err != nil {
		cfg.Log.WithError(err).Error("master session: start failed")
		return
	}
	if startCode != status.OK {
		cfg.Log.WithFields(logrus.Fields{"status": startCode.Name(), "body": string(startBody)}).
			Warn("master session: daemon refused to start")
		return
	}

	cfg.Log.WithField("vcl", name).Info("master session: replayed persisted VCL")
}

// watch reads frames until the daemon closes the connection or a read fails.
// The master session does not send anything further once replay completes;
// it only needs to notice when the daemon goes away so the caller can retry
// the call-in.
func watch(d *daemonclient.Client, cfg Config) error {
	for {
		_, _, err := d.ReadFrame()
		if err != nil {
			cfg.Log.WithError(err).Debug("master session: connection ended")
			return err
		}
	}
}

func sendCommand(d *daemonclient.Client, name string, args []string) (status.Code, []byte, error) {
	if err := d.SendRaw(name, args); err != nil {
		return 0, nil, err
	}
	return d.ReadFrame()
}
