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

// Package gwlog builds the gateway's logrus.Logger: a colorized stderr hook
// is always installed, and an optional syslog hook is added when configured.
package gwlog

import (
	"log/syslog"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

// Options configures logger construction.
type Options struct {
	Debug bool

	// SyslogNetwork/SyslogAddr enable the syslog hook when either is
	// non-empty (SyslogNetwork is "udp", "tcp", or "" for the local syslog daemon).
	SyslogNetwork string
	SyslogAddr    string
	SyslogTag     string
}

// New builds a logrus.Logger per opt. The stderr hook is always present;
// logrus's own default output is discarded (discardWriter) so stderr is written
// exactly once, through the hook.
func New(opt Options) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(discardWriter{})
	log.SetLevel(logrus.InfoLevel)
	if opt.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	log.AddHook(newStderrHook())

	if opt.SyslogNetwork != "" || opt.SyslogAddr != "" {
		hook, err := newSyslogHook(opt)
		if err != nil {
			return nil, err
		}
		log.AddHook(hook)
	}

	return log, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// newStderrHook builds a hook writing every entry to a colorable stderr
// stream.
func newStderrHook() logrus.Hook {
	return &stderrHookImpl{
		w:         colorable.NewColorableStderr(),
		formatter: &logrus.TextFormatter{FullTimestamp: true},
	}
}

type stderrHookImpl struct {
	w         interface{ Write([]byte) (int, error) }
	formatter logrus.Formatter
}

func (h *stderrHookImpl) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *stderrHookImpl) Fire(entry *logrus.Entry) error {
	p, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.w.Write(p)
	return err
}

// syslogHookImpl forwards entries to a syslog daemon.
type syslogHookImpl struct {
	w         *syslog.Writer
	formatter logrus.Formatter
}

func newSyslogHook(opt Options) (logrus.Hook, error) {
	w, err := syslog.Dial(opt.SyslogNetwork, opt.SyslogAddr, syslog.LOG_INFO|syslog.LOG_DAEMON, opt.SyslogTag)
	if err != nil {
		return nil, err
	}
	return &syslogHookImpl{w: w, formatter: &logrus.TextFormatter{DisableColors: true}}, nil
}

func (h *syslogHookImpl) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *syslogHookImpl) Fire(entry *logrus.Entry) error {
	p, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return h.w.Crit(string(p))
	case logrus.ErrorLevel:
		return h.w.Err(string(p))
	case logrus.WarnLevel:
		return h.w.Warning(string(p))
	case logrus.DebugLevel, logrus.TraceLevel:
		return h.w.Debug(string(p))
	default:
		return h.w.Info(string(p))
	}
}
