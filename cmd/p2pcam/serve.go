package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/philsphicas/p2pcam/internal/config"
	"github.com/philsphicas/p2pcam/internal/credstore"
	"github.com/philsphicas/p2pcam/internal/discovery"
	"github.com/philsphicas/p2pcam/internal/nat"
	"github.com/philsphicas/p2pcam/internal/server"
	"github.com/spf13/cobra"
)

const selfSignedValidity = 365 * 24 * time.Hour

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the camera and stream to viewers",
		Long: `Accept viewers on --addr, authenticate them against the credential
store and stream media read from --media. Plaintext serving needs
--insecure; use --cert/--key or --self-signed for TLS.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("addr", server.DefaultAddress, "listen address")
	cmd.Flags().String("ws-addr", "", "listen address for WebSocket viewers; disabled if empty")
	cmd.Flags().StringSlice("ws-origin", nil, "extra origin patterns accepted by the WebSocket listener")
	cmd.Flags().String("cert", "", "TLS certificate (PEM)")
	cmd.Flags().String("key", "", "TLS private key (PEM)")
	cmd.Flags().String("client-ca", "", "CA bundle for verifying viewer certificates")
	cmd.Flags().Bool("self-signed", false, "serve TLS with a generated self-signed certificate")
	cmd.Flags().Bool("insecure", false, "allow plaintext viewers when no certificate is configured")
	cmd.Flags().String("credentials", "", "credential store (default: credentials.yaml next to the config file)")
	cmd.Flags().Bool("prompt", false, "ask on the terminal about unknown users instead of denying them")
	cmd.Flags().StringSlice("allow", nil, "allowed viewer addresses (IP or CIDR)")
	cmd.Flags().Int("max-connections", 0, "max concurrent viewers (0 = unlimited)")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	cmd.Flags().String("nat", "none", "port mapping method (none, upnp, natpmp)")
	cmd.Flags().Bool("mdns", false, "advertise the camera on the local network")
	cmd.Flags().String("instance", "", "mDNS instance name (default: p2pcam-<hostname>)")
	cmd.Flags().String("media", "", "media source streamed to viewers (file path, or - for stdin)")
	cmd.Flags().Int("media-chunk", 16*1024, "bytes per media frame")
	cmd.Flags().Duration("media-interval", 40*time.Millisecond, "delay between media frames")
	cmd.Flags().Bool("media-loop", false, "restart the media file at EOF")

	return cmd
}

type serveOptions struct {
	addr          string
	wsAddr        string
	wsOrigins     []string
	certs         server.CertificateProvider
	insecure      bool
	credentials   string
	prompt        bool
	allow         []string
	maxConn       int
	keepAlive     time.Duration
	nat           string
	mdns          bool
	instance      string
	media         string
	mediaChunk    int
	mediaInterval time.Duration
	mediaLoop     bool
}

func resolveServeOptions(cmd *cobra.Command, file *config.File) (serveOptions, error) {
	fs := cmd.Flags()
	fc := file.Serve
	var (
		o   serveOptions
		err error
	)
	o.addr = config.String(fs, "addr", fc.Address)
	o.wsAddr = config.String(fs, "ws-addr", fc.WSAddress)
	o.wsOrigins = config.StringSlice(fs, "ws-origin", nil)
	o.credentials = config.String(fs, "credentials", fc.Credentials)
	if o.credentials == "" {
		o.credentials = defaultCredentialsPath()
	}
	o.allow = config.StringSlice(fs, "allow", fc.Allow)
	o.nat = config.String(fs, "nat", fc.NAT)
	o.instance = config.String(fs, "instance", fc.Instance)
	o.media = config.String(fs, "media", fc.Media)
	if o.insecure, err = config.Bool(fs, "insecure", fc.Insecure); err != nil {
		return o, err
	}
	if o.prompt, err = config.Bool(fs, "prompt", fc.Prompt); err != nil {
		return o, err
	}
	if o.mdns, err = config.Bool(fs, "mdns", fc.MDNS); err != nil {
		return o, err
	}
	if o.maxConn, err = config.Int(fs, "max-connections", fc.MaxConnections); err != nil {
		return o, err
	}
	if o.keepAlive, err = config.Duration(fs, "tcp-keepalive", fc.TCPKeepAlive); err != nil {
		return o, err
	}
	if o.mediaChunk, err = config.Int(fs, "media-chunk", 0); err != nil {
		return o, err
	}
	if o.mediaInterval, err = config.Duration(fs, "media-interval", 0); err != nil {
		return o, err
	}
	if o.mediaLoop, err = config.Bool(fs, "media-loop", false); err != nil {
		return o, err
	}
	if o.prompt && o.media == "-" {
		return o, errors.New("--prompt and --media - both need stdin")
	}

	selfSigned, err := config.Bool(fs, "self-signed", fc.SelfSigned)
	if err != nil {
		return o, err
	}
	cert := config.String(fs, "cert", fc.Cert)
	key := config.String(fs, "key", fc.Key)
	clientCA := config.String(fs, "client-ca", "")
	switch {
	case selfSigned && (cert != "" || key != ""):
		return o, errors.New("--self-signed cannot be combined with --cert/--key")
	case selfSigned:
		hosts := []string{"localhost"}
		if h, err := os.Hostname(); err == nil && h != "" {
			hosts = append(hosts, h)
		}
		if o.certs, err = server.NewSelfSigned(hosts, selfSignedValidity); err != nil {
			return o, fmt.Errorf("self-signed certificate: %w", err)
		}
	case (cert == "") != (key == ""):
		return o, errors.New("--cert and --key must be given together")
	default:
		o.certs = server.FileCertificates{CertFile: cert, KeyFile: key, CAFile: clientCA}
	}
	return o, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	file, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := resolveLogger(cmd, file)
	o, err := resolveServeOptions(cmd, file)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, file, logger)
	if err != nil {
		return err
	}

	storeCfg := credstore.Config{Path: o.credentials, Logger: logger}
	if o.prompt {
		storeCfg.Prompt = terminalPrompt(os.Stdin, cmd.ErrOrStderr())
	}
	store, err := credstore.Open(storeCfg)
	if err != nil {
		return err
	}

	mapper, err := newMapper(o.nat, logger)
	if err != nil {
		return err
	}

	cam := newTorch(o.instance, logger)
	cfg := server.Config{
		Address:          o.addr,
		Certificates:     o.certs,
		ConfirmInsecure:  func() bool { return o.insecure },
		Access:           store,
		Credentials:      store,
		Camera:           cam,
		AllowList:        o.allow,
		MaxConnections:   o.maxConn,
		TCPKeepAlive:     o.keepAlive,
		WebSocketOrigins: o.wsOrigins,
		PortMapper:       mapper,
		Logger:           logger,
		Metrics:          m,
		OnError: func(w *server.Worker, err error) {
			if w == nil {
				logger.Warn("server error", "error", err)
			}
		},
		OnReachability: func(mp nat.Mapping) {
			logger.Info("camera reachable", "external", mp.External(), "method", mp.Method)
		},
	}
	srv, err := server.New(cfg)
	if err != nil {
		if errors.Is(err, server.ErrInsecureRefused) {
			return fmt.Errorf("%w: pass --insecure or configure TLS", err)
		}
		return err
	}

	ln, err := net.Listen("tcp", o.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", o.addr, err)
	}
	logger.Info("camera listening", "addr", ln.Addr(), "tls", srv.TLS())

	if o.mdns {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Instance: o.instance,
			Port:     port,
			TLS:      srv.TLS(),
			Logger:   logger,
		})
		if err != nil {
			ln.Close() //nolint:errcheck // best-effort cleanup
			return err
		}
		if err := adv.Start(); err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer adv.Close()
	}

	if o.wsAddr != "" {
		wsLn, err := net.Listen("tcp", o.wsAddr)
		if err != nil {
			ln.Close() //nolint:errcheck // best-effort cleanup
			return fmt.Errorf("listen on %s: %w", o.wsAddr, err)
		}
		go serveWebSocket(ctx, srv, wsLn, logger)
	}

	if o.media != "" {
		src := mediaSource{
			path:     o.media,
			chunk:    o.mediaChunk,
			interval: o.mediaInterval,
			loop:     o.mediaLoop,
			ready:    func() bool { return anyAuthorized(srv.Workers()) },
			logger:   logger,
		}
		go func() {
			if err := src.pump(ctx, srv); err != nil {
				logger.Error("media source failed", "error", err)
			}
		}()
	}

	return srv.Serve(ctx, ln)
}

// serveWebSocket runs the WebSocket ingress until ctx is cancelled.
func serveWebSocket(ctx context.Context, srv *server.Server, ln net.Listener, logger *slog.Logger) {
	hs := &http.Server{
		Handler:           srv.WebSocketHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	logger.Info("websocket ingress listening", "addr", ln.Addr())
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("websocket ingress failed", "error", err)
	}
}
