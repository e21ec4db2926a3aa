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

// Package supervisor owns the two listening endpoints (console and master
// call-in) and spawns one worker goroutine per accepted connection.
// Listener lifecycle is coordinated with errgroup, shared
// across listeners and their accept loops so a cancellation of the
// supervisor's context tears both down together and Run returns the first
// error encountered.
package supervisor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nabbar/varnishgw/atomic"
	"github.com/nabbar/varnishgw/internal/clientsession"
	"github.com/nabbar/varnishgw/internal/mastersession"
)

// monitorInterval is how often Run's monitor goroutine logs the live
// console session count.
const monitorInterval = 30 * time.Second

// Config carries the supervisor's dependencies.
type Config struct {
	ConsoleAddr string
	MasterAddr  string

	ClientSessionCfg clientsession.Config
	MasterSessionCfg mastersession.Config

	Log logrus.FieldLogger
}

// Supervisor owns both listeners and tracks live workers.
type Supervisor struct {
	cfg Config

	consoleLn net.Listener
	masterLn  net.Listener

	activeConsole atomic.Value[int64]
}

// New builds a Supervisor; it does not start listening until Run is called.
func New(cfg Config) *Supervisor {
	av := atomic.NewValue[int64]()
	av.Store(0) // seed with a concrete value so later CompareAndSwap calls have something to compare against
	return &Supervisor{cfg: cfg, activeConsole: av}
}

// ActiveConsoleSessions reports the current number of live console
// connections, for diagnostics.
func (s *Supervisor) ActiveConsoleSessions() int64 {
	return s.activeConsole.Load()
}

// Listen binds both listeners without starting their accept loops. Callers
// that need to know when it is safe to act on the gateway actually being
// reachable (for example, firing a startup announcement) call Listen
// before Run; Run calls it itself if it hasn't happened yet, so callers
// that don't care about that ordering can just call Run directly.
func (s *Supervisor) Listen() error {
	if s.consoleLn != nil {
		return nil
	}

	var err error

	s.consoleLn, err = net.Listen("tcp", s.cfg.ConsoleAddr)
	if err != nil {
		return err
	}

	s.masterLn, err = net.Listen("tcp", s.cfg.MasterAddr)
	if err != nil {
		s.consoleLn.Close()
		s.consoleLn = nil
		return err
	}

	s.cfg.Log.WithFields(logrus.Fields{
		"console": s.cfg.ConsoleAddr,
		"master":  s.cfg.MasterAddr,
	}).Info("supervisor: listening")

	return nil
}

// Run starts both listeners (if Listen hasn't already been called) and
// blocks until ctx is cancelled or either listener fails irrecoverably. It
// always closes both listeners before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	defer s.consoleLn.Close()
	defer s.masterLn.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.acceptConsole(gctx)
	})
	g.Go(func() error {
		return s.acceptMaster(gctx)
	})
	g.Go(func() error {
		s.monitor(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.consoleLn.Close()
		s.masterLn.Close()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// monitor periodically logs the live console session count at debug level
// until ctx is cancelled.
func (s *Supervisor) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cfg.Log.WithField("console_sessions", s.ActiveConsoleSessions()).
				Debug("supervisor: live worker count")
		}
	}
}

// addActiveConsole adjusts the live console session count by delta via a
// compare-and-swap retry loop, since atomic.Value[T] exposes Load/Store/CAS
// but no fetch-and-add.
func (s *Supervisor) addActiveConsole(delta int64) {
	for {
		old := s.activeConsole.Load()
		if s.activeConsole.CompareAndSwap(old, old+delta) {
			return
		}
	}
}

// acceptConsole accepts console connections and spawns a Client Session
// goroutine for each; a single worker's failure never brings down the
// listener.
func (s *Supervisor) acceptConsole(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := s.consoleLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.addActiveConsole(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.addActiveConsole(-1)

			sess := clientsession.New(s.cfg.ClientSessionCfg, conn)
			if err := sess.Serve(ctx); err != nil {
				s.cfg.Log.WithError(err).WithField("remote", conn.RemoteAddr()).
					Debug("supervisor: client session ended")
			}
		}()
	}
}

// acceptMaster accepts daemon call-ins on the master port. Each connection
// runs a full Master Session replay sequentially; connections are still
// accepted concurrently in case the daemon call-in logic ever opens more
// than one.
func (s *Supervisor) acceptMaster(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := s.masterLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()

			if err := mastersession.Run(c, s.cfg.MasterSessionCfg); err != nil {
				s.cfg.Log.WithError(err).WithField("remote", c.RemoteAddr()).
					Debug("supervisor: master session ended")
			}
		}(conn)
	}
}
