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

// Package statsproc runs the configured statistics sub-process and captures
// its standard output, for the agent.stat intercept. This is a thin wrapper
// over os/exec: running an arbitrary external command and returning its
// stdout verbatim has no natural fit in a higher-level library, so the
// standard library is the right tool here.
package statsproc

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Runner executes one configured statistics command.
type Runner struct {
	command string
	args    []string
}

// New builds a Runner for the given command line, split on whitespace the
// way a shell would tokenize a simple configured command string.
func New(commandLine string) *Runner {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return &Runner{}
	}
	return &Runner{command: fields[0], args: fields[1:]}
}

// Run executes the configured command and returns its captured stdout.
func (r *Runner) Run(ctx context.Context) (string, error) {
	if r.command == "" {
		return "", ErrNotConfigured
	}

	cmd := exec.CommandContext(ctx, r.command, r.args...)

	var out bytes.Buffer
	cmd.Stdout = &out

	var errOut bytes.Buffer
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		if errOut.Len() > 0 {
			return "", &RunError{Err: err, Stderr: errOut.String()}
		}
		return "", err
	}

	return out.String(), nil
}

// ErrNotConfigured is returned when no statistics command has been
// configured for this gateway instance.
var ErrNotConfigured = notConfiguredError{}

type notConfiguredError struct{}

func (notConfiguredError) Error() string { return "statsproc: no command configured" }

// RunError wraps a sub-process failure with its captured stderr.
type RunError struct {
	Err    error
	Stderr string
}

func (e *RunError) Error() string {
	return e.Err.Error() + ": " + strings.TrimSpace(e.Stderr)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
