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

// Package status defines the closed set of administrative-protocol status
// codes exchanged with the cache daemon. Process-level errors outside the
// wire protocol use internal/gwerrors instead.
package status

import "strconv"

// Code is a status code drawn from the protocol's closed set.
type Code uint16

const (
	Syntax  Code = 100
	Unknown Code = 101
	Unimpl  Code = 102
	TooFew  Code = 104
	TooMany Code = 105
	Param   Code = 106
	Auth    Code = 107
	OK      Code = 200
	Cant    Code = 300
	Comms   Code = 400
	Close   Code = 500
)

var names = map[Code]string{
	Syntax:  "SYNTAX",
	Unknown: "UNKNOWN",
	Unimpl:  "UNIMPL",
	TooFew:  "TOOFEW",
	TooMany: "TOOMANY",
	Param:   "PARAM",
	Auth:    "AUTH",
	OK:      "OK",
	Cant:    "CANT",
	Comms:   "COMMS",
	Close:   "CLOSE",
}

// Uint16 returns the numeric wire value of the code.
func (c Code) Uint16() uint16 {
	return uint16(c)
}

// String returns the numeric wire representation, e.g. "200".
func (c Code) String() string {
	return strconv.Itoa(int(c))
}

// Name returns the symbolic name of the code, e.g. "OK", or "UNKNOWN_CODE(n)"
// for a value the gateway received from the daemon but does not recognize.
func (c Code) Name() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "UNKNOWN_CODE(" + c.String() + ")"
}

// IsOK reports whether the code is the success status.
func (c Code) IsOK() bool {
	return c == OK
}

// Valid reports whether the code is one of the protocol's closed set.
func (c Code) Valid() bool {
	_, ok := names[c]
	return ok
}
