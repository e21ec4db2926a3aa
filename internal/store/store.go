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

// Package store implements the two on-disk files the gateway persists: the
// ordered parameter list and the VCL blob. Both are rewritten in full on
// every write via a temp-file-then-rename so that a crash mid-write leaves
// the previous complete file in place rather than a truncated one.
package store

import (
	"crypto/sha1" //nolint:gosec // fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Param is one persisted (name, value) pair.
type Param struct {
	Name  string
	Value string
}

var paramLineRe = regexp.MustCompile(`^(\S+?)=(.*)$`)

// ParamStore is the ordered, deduplicated parameter list backed by a flat
// file. A single in-memory mutex guards concurrent goroutines within this
// process (the Master Session reads it, a Client Session's Interceptor
// writes it); cross-process consistency remains last-write-wins, this
// mutex only prevents a data race on the slice itself.
type ParamStore struct {
	mu   sync.RWMutex
	path string
	list []Param
}

// LoadParamStore reads path. A missing or unreadable file is treated as an
// empty list; the read error is still returned so the caller
// can log it, but the returned store is always usable.
func LoadParamStore(path string) (*ParamStore, error) {
	s := &ParamStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}

	s.list = parseParamFile(data)
	return s, nil
}

func parseParamFile(data []byte) []Param {
	var list []Param
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		m := paramLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		list = upsertParam(list, m[1], m[2])
	}
	return list
}

// upsertParam removes any existing entry for name and appends (name, value)
// at the end, implementing "last write wins, order reflects insertion order
// of the surviving entries".
func upsertParam(list []Param, name, value string) []Param {
	out := make([]Param, 0, len(list)+1)
	for _, p := range list {
		if p.Name != name {
			out = append(out, p)
		}
	}
	return append(out, Param{Name: name, Value: value})
}

// List returns a snapshot of the current ordered parameter list.
func (s *ParamStore) List() []Param {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Param, len(s.list))
	copy(out, s.list)
	return out
}

// AddParam upserts (name, value) and rewrites the backing file: a second
// add_param for the same name leaves exactly one entry, positioned at
// the end.
func (s *ParamStore) AddParam(name, value string) error {
	s.mu.Lock()
	s.list = upsertParam(s.list, name, value)
	data := serializeParams(s.list)
	s.mu.Unlock()

	return atomicWriteFile(s.path, data)
}

func serializeParams(list []Param) []byte {
	var sb strings.Builder
	for _, p := range list {
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		sb.WriteString(p.Value)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// VCLStore is the single opaque VCL blob backed by a flat file.
type VCLStore struct {
	mu   sync.RWMutex
	path string
	body string
}

// LoadVCLStore slurps path. A missing or unreadable file is treated as an
// empty blob; the read error is returned for logging.
func LoadVCLStore(path string) (*VCLStore, error) {
	s := &VCLStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}

	s.body = string(data)
	return s, nil
}

// Body returns the current VCL blob.
func (s *VCLStore) Body() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.body
}

// Write overwrites the VCL blob and rewrites the backing file.
func (s *VCLStore) Write(body string) error {
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()

	return atomicWriteFile(s.path, []byte(body))
}

// Fingerprint returns the hexadecimal SHA-1 of body; a pure function of
// content, never stored separately.
func Fingerprint(body string) string {
	sum := sha1.Sum([]byte(body)) //nolint:gosec // content fingerprint, not a security boundary
	return hex.EncodeToString(sum[:])
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename %s -> %s: %w", tmpName, path, err)
	}

	return nil
}
