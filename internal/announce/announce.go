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

// Package announce implements the gateway's optional "call home" startup
// notification: a single best-effort GET against a configured
// URL, carrying this instance's connection details as query parameters.
// Built on go-retryablehttp so transient failures of the remote collector
// don't need hand-rolled retry logic.
package announce

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Info is what gets reported to the remote collector. ConsolePort is this
// gateway's own console listener port (reported as cliPort, the collector's
// name for the port it should talk this protocol on); DaemonPort is the
// cache daemon's administrative CLI port behind the gateway (reported as
// port).
type Info struct {
	InstanceID  string
	IP          string
	ConsolePort string
	DaemonPort  string
	Secret      string // only included in the query if non-empty
}

// Notify issues the announcement GET. It logs and returns the error on
// failure; callers treat announcement as fire-and-forget and never fail
// startup because of it.
func Notify(ctx context.Context, announceURL string, info Info, log logrus.FieldLogger) error {
	u, err := url.Parse(announceURL)
	if err != nil {
		log.WithError(err).Warn("announce: invalid announce URL")
		return err
	}

	q := u.Query()
	q.Set("agentId", info.InstanceID)
	q.Set("ip", info.IP)
	q.Set("cliPort", info.ConsolePort)
	q.Set("port", info.DaemonPort)
	if info.Secret != "" {
		q.Set("secret", info.Secret)
	}
	u.RawQuery = q.Encode()

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		log.WithError(err).Warn("announce: building request failed")
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		log.WithError(err).Warn("announce: request failed")
		return err
	}
	defer resp.Body.Close()

	log.WithField("status", resp.StatusCode).Debug("announce: notified")
	return nil
}
