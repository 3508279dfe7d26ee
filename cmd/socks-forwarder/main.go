package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"socks-forwarder/internal/application"
	"socks-forwarder/internal/infrastructure/epoll"
	"socks-forwarder/internal/infrastructure/network"
	"socks-forwarder/internal/infrastructure/resolver"
	"socks-forwarder/internal/metrics"
	"socks-forwarder/pkg/logger"
)

var fallbackDNS = netip.MustParseAddrPort("8.8.8.8:53")

type config struct {
	listen         netip.AddrPort
	dns            netip.AddrPort
	resolvConf     string
	bufferSize     int
	maxIdleBuffers int
	logLevel       string
	logFormat      string
	metricsListen  string
}

func parseConfig(args []string, output io.Writer) (config, error) {
	fs := pflag.NewFlagSet("socks-forwarder", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.SortFlags = false

	var (
		port           = fs.Uint16("port", 1080, "TCP port to accept SOCKS5 clients on")
		bind           = fs.String("bind", "0.0.0.0", "IPv4 address to listen on")
		dnsFlag        = fs.String("dns", "", "DNS server ip[:port]. Empty reads --resolv-conf.")
		resolvConf     = fs.String("resolv-conf", "/etc/resolv.conf", "resolv.conf used when --dns is empty")
		bufferSize     = fs.Int("buffer-size", application.DefaultBufferSize, "Relay buffer size per direction, in bytes")
		maxIdleBuffers = fs.Int("max-idle-buffers", application.DefaultMaxIdleBuffers, "Relay buffers kept for reuse")
		logLevel       = fs.String("log-level", "info", "Log level: debug|info|warn|error")
		logFormat      = fs.String("log-format", "text", "Log format: text|json")
		metricsListen  = fs.String("metrics-listen", "", "Prometheus /metrics listen address (e.g. 127.0.0.1:9090). Empty disables.")
	)

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		return config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	addr, err := netip.ParseAddr(*bind)
	if err != nil || !addr.Is4() {
		return config{}, fmt.Errorf("invalid --bind %q: need an IPv4 address", *bind)
	}
	var dnsAddr netip.AddrPort
	if *dnsFlag != "" {
		dnsAddr, err = resolver.ParseServer(*dnsFlag)
		if err != nil {
			return config{}, fmt.Errorf("invalid --dns: %w", err)
		}
	}
	if *bufferSize <= 0 {
		return config{}, fmt.Errorf("invalid --buffer-size %d", *bufferSize)
	}
	if *maxIdleBuffers <= 0 {
		return config{}, fmt.Errorf("invalid --max-idle-buffers %d", *maxIdleBuffers)
	}

	return config{
		listen:         netip.AddrPortFrom(addr, *port),
		dns:            dnsAddr,
		resolvConf:     *resolvConf,
		bufferSize:     *bufferSize,
		maxIdleBuffers: *maxIdleBuffers,
		logLevel:       *logLevel,
		logFormat:      *logFormat,
		metricsListen:  *metricsListen,
	}, nil
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "socks-forwarder:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	log, err := logger.Setup(os.Stdout, cfg.logLevel, cfg.logFormat)
	if err != nil {
		return err
	}
	log.Info("Initializing SOCKS5 forwarder...")

	dnsAddr := dnsServer(cfg, log)

	eventLoop, err := epoll.New(log)
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}

	ln, err := network.ListenTCP(cfg.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.listen, err)
	}
	defer ln.Close()

	udp, err := network.DialUDP(dnsAddr)
	if err != nil {
		return fmt.Errorf("dns socket: %w", err)
	}
	res := resolver.New(udp, log)
	defer res.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	proxy := application.NewProxyService(eventLoop, log, ln, res, network.Dialer{}, metrics.New(reg), application.Config{
		BufferSize:     cfg.bufferSize,
		MaxIdleBuffers: cfg.maxIdleBuffers,
	})

	g, ctx := errgroup.WithContext(context.Background())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		var lc net.ListenConfig
		mln, err := lc.Listen(ctx, "tcp", cfg.metricsListen)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(mln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
		log.Info("Metrics listening", "addr", cfg.metricsListen)
	}

	context.AfterFunc(ctx, eventLoop.Stop)
	g.Go(func() error {
		// A clean loop exit must still release the metrics server.
		defer stop()
		if err := proxy.Start(); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		return nil
	})
	log.Info("Proxy listening", "addr", cfg.listen.Addr(), "port", ln.Port(), "dns", dnsAddr)

	err = g.Wait()
	log.Info("Shutting down", "sessions", proxy.Sessions())
	return err
}

// dnsServer picks the resolver target: --dns, then the resolv.conf
// nameserver, then the public fallback.
func dnsServer(cfg config, log *slog.Logger) netip.AddrPort {
	if cfg.dns.IsValid() {
		return cfg.dns
	}
	addr, err := resolver.SystemServer(cfg.resolvConf)
	if err != nil {
		log.Warn("Could not get system DNS, using fallback", "error", err, "fallback", fallbackDNS)
		return fallbackDNS
	}
	return addr
}
