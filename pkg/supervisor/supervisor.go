// Package supervisor is odyn, the in-enclave init: it brings the enclave
// up, starts the log, status, egress, ingress, KMS-proxy and attestation
// services in dependency order, launches the application, reaps every
// descendant until the application (the sentinel) exits, and tears
// everything down in reverse.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/cuemby/nitrobox/pkg/attestation"
	"github.com/cuemby/nitrobox/pkg/bootstrap"
	"github.com/cuemby/nitrobox/pkg/circlog"
	"github.com/cuemby/nitrobox/pkg/constants"
	"github.com/cuemby/nitrobox/pkg/egress"
	"github.com/cuemby/nitrobox/pkg/ingress"
	"github.com/cuemby/nitrobox/pkg/keypair"
	"github.com/cuemby/nitrobox/pkg/kmsproxy"
	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/manifest"
	"github.com/cuemby/nitrobox/pkg/metrics"
	"github.com/cuemby/nitrobox/pkg/policy"
	"github.com/cuemby/nitrobox/pkg/status"
	nitrovsock "github.com/cuemby/nitrobox/pkg/vsock"
)

// Config wires the supervisor to the packaged manifest and its CLI flags
// (`--no-bootstrap --no-console --config-dir -- entrypoint...`).
type Config struct {
	Manifest    *manifest.Manifest
	NoBootstrap bool
	NoConsole   bool
	Entrypoint  []string

	// Attester overrides the real NSM provider; nil selects NewNSMProvider.
	// NoBootstrap does not change this choice.
	Attester attestation.Provider
}

// Supervisor owns every enclave-side service for the life of one boot.
type Supervisor struct {
	cfg      Config
	bootID   string
	status   *status.Cell
	appLog   *circlog.AppLog
	attester attestation.Provider
	keyPair  *keypair.KeyPair
}

// New constructs a Supervisor; services are not started until Run.
func New(cfg Config) (*Supervisor, error) {
	appLog, err := circlog.NewAppLog()
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening app log pipe: %w", err)
	}
	return &Supervisor{
		cfg:    cfg,
		bootID: uuid.NewString(),
		status: status.NewCell(),
		appLog: appLog,
	}, nil
}

// Run starts every service, launches the child, blocks until it reaches a
// terminal state, tears down in reverse order, and returns that state.
// Initialization failures are recorded as Fatal rather than returned, so
// that a subscriber connected to the status channel before the failure
// still observes it.
func (s *Supervisor) Run(ctx context.Context) status.ProcessStatus {
	elog := log.WithEnclaveID(s.bootID)
	elog.Info().Msg("supervisor starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Status and log services come up first so any failure below is
	// observable by a host-side subscriber.
	statusListener, err := nitrovsock.Listen(constants.StatusPort)
	if err != nil {
		return s.fail(fmt.Errorf("starting status service: %w", err))
	}
	defer statusListener.Close()
	go serveStatusConns(ctx, s.status, statusListener.Conns)

	logListener, err := nitrovsock.Listen(constants.AppLogPort)
	if err != nil {
		return s.fail(fmt.Errorf("starting log service: %w", err))
	}
	defer logListener.Close()
	go s.appLog.Servicer()
	go serveLogConns(ctx, s.appLog, logListener.Conns)

	if err := s.attach(); err != nil {
		return s.fail(err)
	}

	if !s.cfg.NoBootstrap {
		if err := bootstrap.BringUpLoopback(); err != nil {
			return s.fail(err)
		}
		if src, ok := s.attester.(bootstrap.EntropySource); ok {
			if err := bootstrap.SeedEntropy(src, 256); err != nil {
				return s.fail(err)
			}
		}
	}

	keyPair, err := keypair.Generate()
	if err != nil {
		return s.fail(fmt.Errorf("generating enclave key pair: %w", err))
	}
	s.keyPair = keyPair

	stop, err := s.startServices(ctx)
	if err != nil {
		return s.fail(err)
	}
	defer stop()

	env := s.childEnv()
	cmd, err := spawnChild(s.cfg.Entrypoint, env, s.appLog)
	if err != nil {
		return s.fail(err)
	}
	elog.Info().Int("pid", cmd.Process.Pid).Msg("application started")

	final := reap(cmd.Process.Pid)
	s.status.Set(final)
	elog.Info().Interface("status", final).Msg("application exited, tearing down")
	return final
}

func (s *Supervisor) attach() error {
	if s.cfg.Attester != nil {
		s.attester = s.cfg.Attester
		return nil
	}
	nsm, err := attestation.NewNSMProvider()
	if err != nil {
		return fmt.Errorf("opening NSM session: %w", err)
	}
	s.attester = nsm
	return nil
}

func (s *Supervisor) fail(err error) status.ProcessStatus {
	log.Errorf("supervisor: fatal initialization error", err)
	fatal := status.FatalStatus(err)
	s.status.Set(fatal)
	return fatal
}

// serviceHandle stops one started service; collected in start order and
// invoked in reverse by startServices' returned stop func.
type serviceHandle func()

func (s *Supervisor) startServices(ctx context.Context) (func(), error) {
	var handles []serviceHandle
	stopAll := func() {
		for i := len(handles) - 1; i >= 0; i-- {
			handles[i]()
		}
	}

	m := s.cfg.Manifest
	var egressPolicy *policy.EgressPolicy
	var proxyPort uint16

	if m.Egress != nil {
		proxyPort = constants.DefaultEgressProxyPort
		if m.Egress.ProxyPort != nil {
			proxyPort = *m.Egress.ProxyPort
		}
		egressPolicy = policy.New(policy.Spec{Allow: m.Egress.Allow, Deny: m.Egress.Deny})

		h, err := startEgress(ctx, egressPolicy, proxyPort)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("starting egress proxy: %w", err)
		}
		handles = append(handles, h)
	} else {
		egressPolicy = policy.New(policy.Spec{})
	}

	if len(m.Ingress) > 0 {
		h, err := startIngress(m.Ingress)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("starting ingress bridge: %w", err)
		}
		handles = append(handles, h)
	}

	if m.KmsProxy != nil {
		h, err := startKMSProxy(ctx, *m.KmsProxy, proxyPort, s.keyPair, s.attester)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("starting kms proxy: %w", err)
		}
		handles = append(handles, h)
	}

	if m.API != nil {
		h, err := startAttestationAPI(*m.API, s.attester)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("starting attestation API: %w", err)
		}
		handles = append(handles, h)
	}

	return stopAll, nil
}

func (s *Supervisor) childEnv() []string {
	env := baseEnv()
	m := s.cfg.Manifest
	if m.Egress != nil {
		port := uint16(constants.DefaultEgressProxyPort)
		if m.Egress.ProxyPort != nil {
			port = *m.Egress.ProxyPort
		}
		env = egressEnv(env, port)
	}
	if m.KmsProxy != nil {
		env = kmsProxyEnv(env, m.KmsProxy.ListenPort)
	}
	return env
}

func startEgress(ctx context.Context, p *policy.EgressPolicy, port uint16) (serviceHandle, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	proxy := egress.NewEnclaveProxy(p, egress.VsockDialer(constants.HTTPEgressVsockPort))
	srv := &http.Server{Handler: proxy}
	go func() { _ = srv.Serve(l) }()
	return func() {
		_ = srv.Shutdown(ctx)
	}, nil
}

func startIngress(specs []manifest.Ingress) (serviceHandle, error) {
	configs := make([]ingress.ListenerConfig, 0, len(specs))
	for _, spec := range specs {
		cfg := ingress.ListenerConfig{ListenPort: spec.ListenPort}
		if spec.TLS != nil {
			tlsCfg, err := loadServerTLS(*spec.TLS)
			if err != nil {
				return nil, err
			}
			cfg.TLS = tlsCfg
		}
		configs = append(configs, cfg)
	}

	proxy := ingress.NewEnclaveProxy(configs)
	go func() {
		if err := proxy.Serve(); err != nil {
			log.Errorf("ingress bridge stopped", err)
		}
	}()
	return func() { proxy.Close() }, nil
}

func loadServerTLS(spec manifest.ServerTLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(spec.CertFile, spec.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading ingress TLS material: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func startKMSProxy(ctx context.Context, spec manifest.KmsProxy, proxyPort uint16, kp *keypair.KeyPair, attester attestation.Provider) (serviceHandle, error) {
	// proxyPort 0 means egress is disabled; dial direct in that case.
	transport := &http.Transport{}
	if proxyPort != 0 {
		transport.Proxy = http.ProxyURL(mustParseURL(fmt.Sprintf("http://127.0.0.1:%d", proxyPort)))
	}
	httpClient := &http.Client{Transport: transport}

	creds, err := kmsproxy.FetchCredentials(ctx, httpClient)
	if err != nil {
		return nil, fmt.Errorf("fetching IMDS credentials: %w", err)
	}

	var endpoints kmsproxy.EndpointProvider = kmsproxy.DefaultEndpoints{}
	if len(spec.Endpoints) > 0 {
		endpoints = kmsproxy.ManifestEndpoints{Overrides: spec.Endpoints}
	}

	handler := kmsproxy.NewHandler(kmsproxy.Config{
		Client:      httpClient,
		Credentials: creds,
		KeyPair:     kp,
		Attester:    attester,
		Endpoints:   endpoints,
	})

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.ListenPort))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(l) }()
	return func() { _ = srv.Shutdown(ctx) }, nil
}

func startAttestationAPI(spec manifest.API, attester attestation.Provider) (serviceHandle, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.ListenPort))
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/v1/attestation", attestation.NewHandler(attester))
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(l) }()
	return func() { _ = srv.Close() }, nil
}

func serveStatusConns(ctx context.Context, cell *status.Cell, conns <-chan net.Conn) {
	for conn := range conns {
		go func(c net.Conn) {
			if err := status.Serve(ctx, cell, c); err != nil {
				log.Logger.Debug().Err(err).Msg("status subscriber disconnected")
			}
		}(conn)
	}
}

func serveLogConns(ctx context.Context, appLog *circlog.AppLog, conns <-chan net.Conn) {
	for conn := range conns {
		go func(c net.Conn) {
			if err := appLog.Serve(ctx, c); err != nil {
				log.Logger.Debug().Err(err).Msg("log subscriber disconnected")
			}
		}(conn)
	}
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
