package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-gate/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const renewalWindow = 30 * 24 * time.Hour

// CertManager terminates TLS for the endpoint host. Two modes: static
// cert/key files, or ACME autocert with a directory cache and a
// background renewal ticker.
type CertManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.TLSConfig
	autocertMgr     *autocert.Manager
	renewalTicker   *time.Ticker
	stopCh          chan struct{}
	mu              sync.RWMutex
	certificates    map[string]*tls.Certificate
	state           atomic.Value
	renewalInterval time.Duration
}

func NewCertManager(ctx context.Context, logger types.Logger, config types.ConfigManager) (types.TLSManager, error) {
	tlsConfig := config.GetConfig().Server.TLS

	managerCtx, cancel := context.WithCancel(ctx)

	cm := &CertManager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		config:          tlsConfig,
		stopCh:          make(chan struct{}),
		certificates:    make(map[string]*tls.Certificate),
		renewalInterval: 12 * time.Hour,
	}

	cm.state.Store(StateStopped)

	if tlsConfig.AutoCert {
		if err := cm.initializeAutocert(); err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to initialize autocert manager")
		}
	}

	return cm, nil
}

func (cm *CertManager) Serve(addr string) (net.Listener, error) {
	if !cm.IsRunning() {
		return nil, types.ErrServerNotRunning
	}

	if cm.config.AutoCert {
		tlsConfig := cm.GetTLSConfig()
		if tlsConfig == nil {
			return nil, types.NewErrorf("autocert manager is not initialized")
		}
		return tls.Listen("tcp", addr, tlsConfig)
	}

	if cm.config.CertFile == "" || cm.config.KeyFile == "" {
		return nil, types.NewErrorf("TLS enabled but cert_file or key_file not specified")
	}

	cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
	if err != nil {
		return nil, types.WrapError(err, "failed to load certificate files")
	}

	if err := cm.validateCertificate(cert); err != nil {
		return nil, types.WrapError(err, "certificate validation failed")
	}

	tlsConfig := baseTLSConfig()
	tlsConfig.Certificates = []tls.Certificate{cert}

	return tls.Listen("tcp", addr, tlsConfig)
}

func (cm *CertManager) GetTLSConfig() *tls.Config {
	if cm.autocertMgr == nil {
		return nil
	}

	tlsConfig := baseTLSConfig()
	tlsConfig.GetCertificate = cm.autocertMgr.GetCertificate
	tlsConfig.NextProtos = []string{"h2", "http/1.1"}

	return tlsConfig
}

func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (cm *CertManager) Start() error {
	if !cm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if cm.getState() == StateStarting {
			cm.setState(StateRunning)
		}
	}()

	if cm.config.AutoCert {
		cm.preloadCertificates()
		cm.startRenewalMonitor()
	}

	cm.logger.Info("TLS certificate manager started",
		zap.Bool("auto_cert", cm.config.AutoCert),
		zap.Strings("domains", cm.config.Domains))

	return nil
}

func (cm *CertManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		cm.setState(StateStopped)
		cm.cancel()
	}()

	close(cm.stopCh)
	if cm.renewalTicker != nil {
		cm.renewalTicker.Stop()
	}

	cm.logger.Info("TLS certificate manager stopped gracefully")
	return nil
}

func (cm *CertManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

func (cm *CertManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *CertManager) setState(newState State) bool {
	currentState := cm.getState()
	return cm.state.CompareAndSwap(currentState, newState)
}

func (cm *CertManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}

// leafCertificate parses the first certificate of the chain, the one
// whose validity window matters for serving.
func leafCertificate(cert *tls.Certificate) (*x509.Certificate, error) {
	if len(cert.Certificate) == 0 {
		return nil, types.NewErrorf("no certificate data")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, types.WrapError(err, "failed to parse certificate")
	}

	return leaf, nil
}

func (cm *CertManager) validateCertificate(cert tls.Certificate) error {
	leaf, err := leafCertificate(&cert)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) {
		return types.NewErrorf("certificate not yet valid")
	}
	if now.After(leaf.NotAfter) {
		return types.NewErrorf("certificate expired")
	}

	return nil
}

func (cm *CertManager) initializeAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.NewErrorf("no domains specified for TLS certificate")
	}

	cacheDir := cm.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}

	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	cm.autocertMgr = &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cm.config.Domains...),
		Email:      cm.config.Email,
	}

	if cm.config.ACMEDirectory != "" {
		cm.autocertMgr.Client = &acme.Client{
			DirectoryURL: cm.config.ACMEDirectory,
		}
	}

	return nil
}

// eachDomain fans fn out over the domains and waits for the batch
// within the timeout. Failures inside fn are the callback's business;
// only a batch-level abort is reported here.
func (cm *CertManager) eachDomain(timeout time.Duration, domains []string, fn func(domain string)) {
	ctx, cancel := context.WithTimeout(cm.ctx, timeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, domain := range domains {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			fn(domain)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		cm.logger.Warn("Certificate batch did not complete", zap.Error(err))
	}
}

// fetchCertificate asks autocert for the domain's certificate and
// caches it for status reporting.
func (cm *CertManager) fetchCertificate(domain string) *tls.Certificate {
	cert, err := cm.autocertMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
	if err != nil {
		cm.logger.Warn("Failed to obtain certificate",
			zap.String("domain", domain),
			zap.Error(err))
		return nil
	}

	cm.mu.Lock()
	cm.certificates[domain] = cert
	cm.mu.Unlock()

	return cert
}

// preloadCertificates warms the autocert cache so the first real
// handshake per domain does not pay the ACME round trip. Failures are
// left for the renewal monitor to retry.
func (cm *CertManager) preloadCertificates() {
	cm.eachDomain(60*time.Second, cm.config.Domains, func(domain string) {
		if cm.fetchCertificate(domain) != nil {
			cm.logger.Info("Certificate preloaded", zap.String("domain", domain))
		}
	})
}

func (cm *CertManager) startRenewalMonitor() {
	cm.renewalTicker = time.NewTicker(cm.renewalInterval)

	go func() {
		for {
			select {
			case <-cm.renewalTicker.C:
				cm.renewExpiring()

			case <-cm.stopCh:
				return

			case <-cm.ctx.Done():
				return
			}
		}
	}()
}

func (cm *CertManager) renewExpiring() {
	if !cm.IsRunning() {
		return
	}

	cm.eachDomain(5*time.Minute, cm.cachedDomains(), func(domain string) {
		cm.mu.RLock()
		cert := cm.certificates[domain]
		cm.mu.RUnlock()

		if cert == nil {
			return
		}

		leaf, err := leafCertificate(cert)
		if err != nil {
			cm.logger.Error("Failed to inspect certificate",
				zap.String("domain", domain),
				zap.Error(err))
			return
		}

		if time.Now().Before(leaf.NotAfter.Add(-renewalWindow)) {
			return
		}

		cm.logger.Info("Certificate renewal required",
			zap.String("domain", domain),
			zap.Time("expires_at", leaf.NotAfter))

		if cm.fetchCertificate(domain) != nil {
			cm.logger.Info("Certificate renewed", zap.String("domain", domain))
		}
	})
}

func (cm *CertManager) cachedDomains() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	domains := make([]string, 0, len(cm.certificates))
	for domain := range cm.certificates {
		domains = append(domains, domain)
	}
	return domains
}

// GetCertificateStatus reports every cached certificate with its
// expiry horizon. The service wires it into a health checker when
// autocert is enabled.
func (cm *CertManager) GetCertificateStatus() map[string]types.CertificateStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := make(map[string]types.CertificateStatus, len(cm.certificates))
	for domain, cert := range cm.certificates {
		status[domain] = describeCertificate(domain, cert)
	}

	return status
}

func describeCertificate(domain string, cert *tls.Certificate) types.CertificateStatus {
	leaf, err := leafCertificate(cert)
	if err != nil {
		return types.CertificateStatus{
			Domain: domain,
			Status: "error",
			Error:  err.Error(),
		}
	}

	daysLeft := int(time.Until(leaf.NotAfter).Hours() / 24)

	state := "valid"
	switch {
	case daysLeft <= 0:
		state = "expired"
	case daysLeft <= 30:
		state = "expiring_soon"
	}

	return types.CertificateStatus{
		Domain:          domain,
		Status:          state,
		Issuer:          leaf.Issuer.String(),
		Subject:         leaf.Subject.String(),
		NotBefore:       leaf.NotBefore,
		NotAfter:        leaf.NotAfter,
		DaysUntilExpiry: daysLeft,
	}
}

var _ types.TLSManager = (*CertManager)(nil)
