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

// Package gwconfig binds the gateway's command-line flags, plus an optional
// config file, through viper. The config file is deliberately not one of
// viper's own codecs: it is a flat "Key Value" line format, one setting per
// line, read by a small hand-rolled reader and merged into viper below flag
// precedence. Precedence is flag > config file > built-in default.
package gwconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Defaults mirror a conventional varnish-agent deployment.
const (
	DefaultConsoleAddr = ":6083"
	DefaultDaemonAddr  = "localhost:6082"
	DefaultMasterAddr  = "localhost:6084"
)

// Config is the fully resolved set of runtime settings.
type Config struct {
	ConsoleAddr string
	DaemonAddr  string
	MasterAddr  string

	ParamFile  string
	VCLFile    string
	SecretFile string

	InstanceID  string
	AnnounceURL string

	TLSCAFile string

	PIDFile    string
	Foreground bool
	Debug      bool

	DaemonDialTimeout time.Duration
	DaemonReadTimeout time.Duration

	StatsCommand string

	SyslogNetwork string
	SyslogAddr    string
	SyslogTag     string
}

// BindFlags registers every flag on cmd and binds it into v, building
// config from pflag-backed cobra flags.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()

	flags.String("console-addr", DefaultConsoleAddr, "listen address for the console (client) port")
	flags.String("daemon-addr", DefaultDaemonAddr, "address of the cache daemon's administrative port")
	flags.String("master-addr", DefaultMasterAddr, "listen address for the daemon call-in (master) port")

	flags.String("param-file", "", "path to the persisted parameter file")
	flags.String("vcl-file", "", "path to the persisted VCL file")
	flags.String("secret-file", "", "path to the shared secret file")

	flags.String("instance-id", "", "identifier this gateway announces itself as")
	flags.String("announce-url", "", "URL to notify on startup (empty disables announcing)")

	flags.String("tls-ca-file", "", "CA bundle to validate the daemon's TLS certificate (empty disables TLS)")

	flags.String("pid-file", "", "path to write this process's PID to")
	flags.Bool("foreground", false, "stay attached to the controlling terminal instead of daemonizing")
	flags.Bool("debug", false, "enable debug-level logging")

	flags.Duration("daemon-dial-timeout", 5*time.Second, "timeout dialing the cache daemon")
	flags.Duration("daemon-read-timeout", time.Second, "read timeout on an established daemon connection")

	flags.String("stats-command", "", "external command whose stdout answers agent.stat")

	flags.String("syslog", "", "syslog server address to forward logs to (empty disables syslog)")
	flags.String("syslog-network", "", `syslog transport ("udp", "tcp", or empty for the local syslog daemon)`)
	flags.String("syslog-tag", "varnishgw", "tag attached to syslog entries")

	flags.String("config", "", "optional config file, one \"key value\" setting per line")

	_ = v.BindPFlags(flags)
}

// configLineRe matches one "key value" setting line: a bareword key,
// whitespace, and the remainder of the line as the value. Leading and
// trailing whitespace around both is trimmed by the submatch groups.
var configLineRe = regexp.MustCompile(`^(\S+)\s+(.*\S|)\s*$`)

// Load resolves a Config from whatever BindFlags bound, reading the config
// file named by --config (if any) first so flags still take precedence.
func Load(v *viper.Viper) (*Config, error) {
	if cf := v.GetString("config"); cf != "" {
		data, err := os.ReadFile(cf)
		if err != nil {
			return nil, err
		}
		settings, err := parseConfigFile(data)
		if err != nil {
			return nil, fmt.Errorf("gwconfig: %s: %w", cf, err)
		}
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, err
		}
	}

	return &Config{
		ConsoleAddr: v.GetString("console-addr"),
		DaemonAddr:  v.GetString("daemon-addr"),
		MasterAddr:  v.GetString("master-addr"),

		ParamFile:  v.GetString("param-file"),
		VCLFile:    v.GetString("vcl-file"),
		SecretFile: v.GetString("secret-file"),

		InstanceID:  v.GetString("instance-id"),
		AnnounceURL: v.GetString("announce-url"),

		TLSCAFile: v.GetString("tls-ca-file"),

		PIDFile:    v.GetString("pid-file"),
		Foreground: v.GetBool("foreground"),
		Debug:      v.GetBool("debug"),

		DaemonDialTimeout: v.GetDuration("daemon-dial-timeout"),
		DaemonReadTimeout: v.GetDuration("daemon-read-timeout"),

		StatsCommand: v.GetString("stats-command"),

		SyslogNetwork: v.GetString("syslog-network"),
		SyslogAddr:    v.GetString("syslog"),
		SyslogTag:     v.GetString("syslog-tag"),
	}, nil
}

// parseConfigFile parses the "Key Value" line format: one setting per line,
// key and value separated by whitespace, blank lines and lines starting
// with '#' ignored. Keys match the long flag names registered by BindFlags
// (e.g. "daemon-addr"). Unlike a structured codec this format has no notion
// of type, so every value is handed to viper as a string and converted on
// read by GetString/GetBool/GetDuration.
func parseConfigFile(data []byte) (map[string]interface{}, error) {
	settings := map[string]interface{}{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		m := configLineRe.FindStringSubmatch(string(line))
		if m == nil {
			return nil, fmt.Errorf("line %d: expected \"key value\", got %q", lineNo, line)
		}
		settings[m[1]] = m[2]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return settings, nil
}
