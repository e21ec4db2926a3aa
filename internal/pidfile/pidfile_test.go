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

package pidfile_test

import (
	"os"
	"path/filepath"
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/varnishgw/internal/pidfile"
)

var _ = Describe("Write, Read and Remove", func() {
	var path string

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "varnishgw.pid")
	})

	It("writes the current process's PID and reads it back", func() {
		Expect(pidfile.Write(path)).To(Succeed())

		pid, err := pidfile.Read(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(pid).To(Equal(os.Getpid()))
	})

	It("removes a written file without error", func() {
		Expect(pidfile.Write(path)).To(Succeed())
		Expect(pidfile.Remove(path)).To(Succeed())

		_, err := os.Stat(path)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("treats removing a missing file as success", func() {
		Expect(pidfile.Remove(path)).To(Succeed())
	})

	It("refuses to overwrite a pid file naming a still-living process", func() {
		Expect(os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)).To(Succeed())

		err := pidfile.Write(path)
		Expect(err).To(HaveOccurred())

		var already *pidfile.ErrAlreadyRunning
		Expect(err).To(BeAssignableToTypeOf(already))
	})

	It("overwrites a stale pid file naming a process that no longer exists", func() {
		// PID 0 is never a real process handed to us by the OS, processAlive
		// treats it as not alive without issuing a signal.
		Expect(os.WriteFile(path, []byte("0\n"), 0o644)).To(Succeed())

		Expect(pidfile.Write(path)).To(Succeed())

		pid, err := pidfile.Read(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(pid).To(Equal(os.Getpid()))
	})
})
