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

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nabbar/varnishgw/certificates/ca"
	"github.com/nabbar/varnishgw/internal/announce"
	"github.com/nabbar/varnishgw/internal/clientsession"
	"github.com/nabbar/varnishgw/internal/daemonclient"
	"github.com/nabbar/varnishgw/internal/gwconfig"
	"github.com/nabbar/varnishgw/internal/gwlog"
	"github.com/nabbar/varnishgw/internal/intercept"
	"github.com/nabbar/varnishgw/internal/mastersession"
	"github.com/nabbar/varnishgw/internal/pidfile"
	"github.com/nabbar/varnishgw/internal/statsproc"
	"github.com/nabbar/varnishgw/internal/status"
	"github.com/nabbar/varnishgw/internal/store"
	"github.com/nabbar/varnishgw/internal/supervisor"
)

// version is set at link time via -ldflags; it defaults to "dev" for local
// builds.
var version = "dev"

func main() {
	v := viper.New()

	root := &cobra.Command{
		Use:   "varnishgw",
		Short: "Administrative protocol gateway for a cache daemon's CLI",
		Long: `varnishgw sits between an administrative console (or agent) and a cache
daemon's administrative CLI port, persisting parameters and VCL across
daemon restarts and replaying them on the daemon's call-in port.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	gwconfig.BindFlags(root, v)
	root.AddCommand(newProbeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "varnishgw:", err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg, err := gwconfig.Load(v)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := gwlog.New(gwlog.Options{
		Debug:         cfg.Debug,
		SyslogNetwork: cfg.SyslogNetwork,
		SyslogAddr:    cfg.SyslogAddr,
		SyslogTag:     cfg.SyslogTag,
	})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	if cfg.PIDFile != "" {
		if err := pidfile.Write(cfg.PIDFile); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer pidfile.Remove(cfg.PIDFile)
	}

	secret, err := readSecret(cfg.SecretFile)
	if err != nil {
		log.WithError(err).Warn("main: reading secret file failed, proceeding without a secret")
	}

	params, err := store.LoadParamStore(cfg.ParamFile)
	if err != nil {
		log.WithError(err).Debug("main: loading persisted parameters")
	}

	vcl, err := store.LoadVCLStore(cfg.VCLFile)
	if err != nil {
		log.WithError(err).Debug("main: loading persisted VCL")
	}

	var tlsConfig *tls.Config
	if cfg.TLSCAFile != "" {
		tlsConfig, err = buildTLSConfig(cfg.TLSCAFile)
		if err != nil {
			return fmt.Errorf("building TLS config: %w", err)
		}
	}

	deps := &intercept.Deps{
		Params:  params,
		VCL:     vcl,
		Stats:   statsproc.New(cfg.StatsCommand),
		Secret:  secret,
		Version: version,
	}

	sup := supervisor.New(supervisor.Config{
		ConsoleAddr: cfg.ConsoleAddr,
		MasterAddr:  cfg.MasterAddr,
		ClientSessionCfg: clientsession.Config{
			DaemonAddr:        cfg.DaemonAddr,
			DaemonTLS:         tlsConfig,
			DaemonDialTimeout: cfg.DaemonDialTimeout,
			DaemonReadTimeout: cfg.DaemonReadTimeout,
			Deps:              deps,
			Log:               log,
		},
		MasterSessionCfg: mastersession.Config{
			Secret: secret,
			Params: params,
			VCL:    vcl,
			Log:    log,
		},
		Log: log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sup.Listen(); err != nil {
		return fmt.Errorf("binding listeners: %w", err)
	}

	if cfg.AnnounceURL != "" {
		go announceSelf(ctx, cfg, secret, log)
	}

	log.WithField("version", version).Info("main: starting")
	return sup.Run(ctx)
}

// announceSelf reports this instance to cfg.AnnounceURL once both listeners
// are up. The reported ip is the locally-observed address of an outbound
// connection toward the announce URL's host, not the configured console
// bind address: a gateway bound to 0.0.0.0 or a NAT'd address has no other
// way to tell the collector which interface it is actually reachable on.
func announceSelf(ctx context.Context, cfg *gwconfig.Config, secret string, log logrus.FieldLogger) {
	_, consolePort, err := net.SplitHostPort(cfg.ConsoleAddr)
	if err != nil {
		consolePort = cfg.ConsoleAddr
	}
	_, daemonPort, err := net.SplitHostPort(cfg.DaemonAddr)
	if err != nil {
		daemonPort = cfg.DaemonAddr
	}

	ip, err := outboundIP(cfg.AnnounceURL)
	if err != nil {
		log.WithError(err).Warn("announce: determining outbound address failed")
		return
	}

	info := announce.Info{
		InstanceID:  cfg.InstanceID,
		IP:          ip,
		ConsolePort: consolePort,
		DaemonPort:  daemonPort,
		Secret:      secret,
	}

	_ = announce.Notify(ctx, cfg.AnnounceURL, info, log)
}

// outboundIP dials rawURL's host (without sending anything) and reports
// the local address that connection was assigned, i.e. the address a
// collector reachable at rawURL would see this instance connect from.
func outboundIP(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	conn, err := net.Dial("udp", net.JoinHostPort(host, port))
	if err != nil {
		return "", err
	}
	defer conn.Close()

	local, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}
	return local, nil
}

func readSecret(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func buildTLSConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}

	cert, err := ca.ParseByte(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing CA bundle %s: %w", caFile, err)
	}

	pool := x509.NewCertPool()
	cert.AppendPool(pool)

	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func newProbeCommand() *cobra.Command {
	var (
		addr        string
		secret      string
		dialTimeout = 5 * time.Second
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Handshake with a cache daemon's administrative CLI and print its banner",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonclient.Dial(addr, nil, dialTimeout)
			if err != nil {
				return err
			}
			defer c.Close()

			code, body, err := c.Handshake(secret)
			if err != nil {
				return err
			}
			if code != status.OK {
				return fmt.Errorf("probe: handshake status %s: %s", code.Name(), body)
			}

			fmt.Println(strings.TrimRight(string(body), "\n"))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", gwconfig.DefaultDaemonAddr, "address to probe")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret, if the daemon challenges for one")
	return cmd
}
