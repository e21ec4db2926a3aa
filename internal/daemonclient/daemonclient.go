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

// Package daemonclient opens and authenticates the gateway's connection
// towards the cache daemon's administrative port. Handshake
// shape is grounded on the reference varnishadm client: read the greeting,
// and if it challenges for authentication, answer with
// SHA256(challenge + "\n" + secret + challenge + "\n").
package daemonclient

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nabbar/varnishgw/internal/codec"
	"github.com/nabbar/varnishgw/internal/status"
)

// ErrUnexpectedGreeting is returned when the daemon's initial frame is
// neither OK nor AUTH.
type ErrUnexpectedGreeting struct {
	Code status.Code
	Body string
}

func (e *ErrUnexpectedGreeting) Error() string {
	return fmt.Sprintf("daemonclient: unexpected greeting status %s: %s", e.Code.Name(), e.Body)
}

// ErrAuthRejected is returned when the daemon rejects our auth response.
type ErrAuthRejected struct {
	Code status.Code
	Body string
}

func (e *ErrAuthRejected) Error() string {
	return fmt.Sprintf("daemonclient: authentication rejected, status %s: %s", e.Code.Name(), e.Body)
}

// Client is a connection to the cache daemon's administrative port.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial opens a TCP (or TLS, if tlsConfig is non-nil) connection to addr.
func Dial(addr string, tlsConfig *tls.Config, dialTimeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: dialTimeout}

	var (
		conn net.Conn
		err  error
	)

	if tlsConfig != nil {
		conn, err = tls.DialWithDialer(&d, "tcp", addr, tlsConfig)
	} else {
		conn, err = d.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}, nil
}

// NewFromConn wraps an already-established connection as a Client, for the
// Master Session where the cache daemon is the one calling in to our
// listener rather than us dialing out to it.
func NewFromConn(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// SetDeadline forwards to the underlying connection.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadTimeout sets the connection's read deadline to d from now; a d of
// zero or less clears the read deadline.
func (c *Client) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Reader exposes the buffered reader for callers that need to read frames
// directly (client session's daemon-reading goroutine).
func (c *Client) Reader() *bufio.Reader {
	return c.r
}

// ReadFrame reads exactly one response frame.
func (c *Client) ReadFrame() (status.Code, []byte, error) {
	return codec.ReadResponse(c.r)
}

// SendRaw writes a plain command line and returns. It does not wait for a
// response; callers read the response via ReadFrame, either directly
// (master session, sequential use) or from a reader goroutine (client session).
func (c *Client) SendRaw(name string, args []string) error {
	return codec.WriteCommand(c.w, name, args)
}

// SendHeredoc writes a command line requesting a here-document body.
func (c *Client) SendHeredoc(name string, args []string, body string) error {
	return codec.WriteHeredocCommand(c.w, name, args, body)
}

// Handshake reads the daemon's greeting and, if it is an authentication
// challenge, computes and sends the response. Returns the final greeting
// status/body (OK on success) or an error. An empty secret is not checked
// locally: the response is computed with it, and a daemon that refuses the
// response makes Handshake return ErrAuthRejected.
func (c *Client) Handshake(secret string) (status.Code, []byte, error) {
	code, body, err := c.ReadFrame()
	if err != nil {
		return 0, nil, err
	}

	switch code {
	case status.OK:
		return code, body, nil
	case status.Auth:
		return c.authenticate(secret, body)
	default:
		return code, body, &ErrUnexpectedGreeting{Code: code, Body: string(body)}
	}
}

func (c *Client) authenticate(secret string, challengeBody []byte) (status.Code, []byte, error) {
	challenge := firstLine(challengeBody)

	hexResp := ComputeAuthResponse(challenge, secret)

	if err := c.SendRaw("auth", []string{hexResp}); err != nil {
		return 0, nil, err
	}

	code, body, err := c.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	if code != status.OK {
		return code, body, &ErrAuthRejected{Code: code, Body: string(body)}
	}

	return code, body, nil
}

// ComputeAuthResponse computes the hex-encoded
// SHA256(challenge + "\n" + secret + challenge + "\n") response required by
// the cache daemon's challenge/response scheme.
func ComputeAuthResponse(challenge, secret string) string {
	h := sha256.New()
	h.Write([]byte(challenge))
	h.Write([]byte("\n"))
	h.Write([]byte(secret))
	h.Write([]byte(challenge))
	h.Write([]byte("\n"))
	return hex.EncodeToString(h.Sum(nil))
}

func firstLine(body []byte) string {
	s := string(body)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
