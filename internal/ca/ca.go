// Package ca is the Certificate Authority of spec.md §4.6: a self-signed
// root, leaf issuance for services, revocation, and CRL generation. The
// self-signed-root/leaf-issuance shape is grounded on
// cuemby-warren/pkg/security/ca.go's CertAuthority, generalized from its
// node/client split to the spec's single service-leaf operation and
// carrying over its root/leaf validity and key-size constants.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/trustfabric/identitycore/infrastructure/cache"
	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	hexutil "github.com/trustfabric/identitycore/infrastructure/hex"
	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/internal/audit"
	"github.com/trustfabric/identitycore/internal/coreerr"
	"github.com/trustfabric/identitycore/internal/secretstore"
)

// RecordType discriminates the five certificate kinds spec.md §3 names.
type RecordType string

const (
	TypeCA           RecordType = "ca"
	TypeIntermediate RecordType = "intermediate"
	TypeServer       RecordType = "server"
	TypeClient       RecordType = "client"
	TypePeer         RecordType = "peer"
)

const (
	rootValidity       = 10 * 365 * 24 * time.Hour
	defaultLeafDays    = 365
	rootKeyBits        = 4096
	leafKeyBits        = 2048
	issuedCertCacheTTL = 10 * time.Minute
)

// Record is the persisted certificate record of spec.md §3.
type Record struct {
	ID          string            `json:"id"`
	SubjectDN   string            `json:"subject_dn"`
	IssuerDN    string            `json:"issuer_dn"`
	NotBefore   time.Time         `json:"not_before"`
	NotAfter    time.Time         `json:"not_after"`
	Serial      string            `json:"serial"`
	Fingerprint string            `json:"fingerprint"`
	PEM         []byte            `json:"pem"`
	Type        RecordType        `json:"type"`
	Revoked     bool              `json:"revoked"`
	RevokedAt   time.Time         `json:"revoked_at,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Store persists certificate records. Private key material never passes
// through Store — it lives in secretstore.Store under cert_key_{id}.
type Store interface {
	GetRecord(ctx context.Context, id string) (*Record, error)
	PutRecord(ctx context.Context, r Record) error
	ListRecords(ctx context.Context) ([]Record, error)
}

// IssuedCert is the result of GetOrCreateServiceCertificate.
type IssuedCert struct {
	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte
}

// Engine is the Certificate Authority of spec.md §4.6.
type Engine struct {
	store   Store
	secrets secretstore.Store
	audit   *audit.Sink
	logger  *logging.Logger

	bootstrapMu sync.Mutex
	issueMu     sync.Mutex

	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	rootID   string

	crlMu   sync.RWMutex
	revoked map[string]CRLEntry

	issued *cache.Cache
}

// NewEngine constructs an Engine. Callers must call Bootstrap before
// issuing or verifying certificates.
func NewEngine(store Store, secrets secretstore.Store, auditSink *audit.Sink, logger *logging.Logger) *Engine {
	return &Engine{
		store:   store,
		secrets: secrets,
		audit:   auditSink,
		logger:  logger,
		revoked: make(map[string]CRLEntry),
		issued:  cache.NewCache(cache.CacheConfig{DefaultTTL: issuedCertCacheTTL}),
	}
}

// Bootstrap implements spec.md §4.6's CA bootstrap: load an existing root
// from the record store, or generate and persist a new one.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.bootstrapMu.Lock()
	defer e.bootstrapMu.Unlock()

	records, err := e.store.ListRecords(ctx)
	if err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"ca: list certificate records", 503, err)
	}
	for _, r := range records {
		if r.Type == TypeCA && !r.Revoked {
			if err := e.loadRoot(ctx, r); err != nil {
				return err
			}
			return e.loadCRL(ctx)
		}
	}

	if err := e.generateRoot(ctx); err != nil {
		return err
	}
	return e.loadCRL(ctx)
}

func (e *Engine) loadRoot(ctx context.Context, r Record) error {
	block, _ := pem.Decode(r.PEM)
	if block == nil {
		return coreerr.New(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: root record PEM is invalid", 500)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: parse root certificate", 500, err)
	}

	keyPEM, err := e.secrets.Get(ctx, secretstore.PrefixCertKey+r.ID)
	if err != nil {
		return coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: load root private key", 500, err)
	}
	key, err := parseRSAKeyPEM(keyPEM)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rootCert, e.rootKey, e.rootID = cert, key, r.ID
	e.mu.Unlock()
	return nil
}

func (e *Engine) generateRoot(ctx context.Context) error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: generate root key", 500, err)
	}

	serial, err := newSerial()
	if err != nil {
		return err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "identitycore root CA"},
		NotBefore:    now,
		NotAfter:     now.Add(rootValidity),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: self-sign root certificate", 500, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: parse root certificate", 500, err)
	}

	id := fingerprintHex(der)
	record := Record{
		ID: id, SubjectDN: cert.Subject.String(), IssuerDN: cert.Subject.String(),
		NotBefore: cert.NotBefore, NotAfter: cert.NotAfter, Serial: serial.String(),
		Fingerprint: id, PEM: encodeCertPEM(der), Type: TypeCA,
	}
	if err := e.store.PutRecord(ctx, record); err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError, "ca: persist root record", 503, err)
	}
	if err := e.secrets.Store(ctx, secretstore.PrefixCertKey+id, encodeRSAKeyPEM(key)); err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError, "ca: persist root private key", 503, err)
	}

	e.mu.Lock()
	e.rootCert, e.rootKey, e.rootID = cert, key, id
	e.mu.Unlock()

	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventCertIssued, Outcome: audit.OutcomeSuccess,
		Action: "bootstrap_ca", Resource: "certificate", Metadata: map[string]string{"cert_id": id},
	})
	return nil
}

func (e *Engine) loadCRL(ctx context.Context) error {
	records, err := e.store.ListRecords(ctx)
	if err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError, "ca: list certificate records", 503, err)
	}
	e.crlMu.Lock()
	defer e.crlMu.Unlock()
	e.revoked = make(map[string]CRLEntry, len(records))
	for _, r := range records {
		if r.Revoked {
			e.revoked[r.Serial] = CRLEntry{Serial: r.Serial, RevokedAt: r.RevokedAt, ReasonText: r.Reason}
		}
	}
	return nil
}

// GetOrCreateServiceCertificate implements spec.md §4.6's Issue leaf.
func (e *Engine) GetOrCreateServiceCertificate(ctx context.Context, serviceID string, validityDays int, altNames []string) (*IssuedCert, error) {
	if v, ok := e.issued.Get(serviceID); ok {
		issued := v.(IssuedCert)
		return &issued, nil
	}

	if existing, err := e.findActiveServerCert(ctx, serviceID); err == nil && existing != nil {
		e.issued.Set(serviceID, *existing, issuedCertCacheTTL)
		return existing, nil
	}

	e.issueMu.Lock()
	defer e.issueMu.Unlock()

	// Re-check under the issuance lock: another goroutine may have issued
	// one while we waited.
	if existing, err := e.findActiveServerCert(ctx, serviceID); err == nil && existing != nil {
		e.issued.Set(serviceID, *existing, issuedCertCacheTTL)
		return existing, nil
	}

	e.mu.RLock()
	rootCert, rootKey, rootID := e.rootCert, e.rootKey, e.rootID
	e.mu.RUnlock()
	if rootCert == nil || rootKey == nil {
		return nil, coreerr.New(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: not bootstrapped", 500)
	}

	if validityDays <= 0 {
		validityDays = defaultLeafDays
	}
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: generate leaf key", 500, err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notAfter := now.Add(time.Duration(validityDays) * 24 * time.Hour)
	if notAfter.After(rootCert.NotAfter) {
		notAfter = rootCert.NotAfter // a child's not_after must never exceed its issuer's
	}

	dnsNames := append([]string{serviceID}, altNames...)
	dnsNames = append(dnsNames, "localhost")

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serviceID},
		NotBefore:    now,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     dnsNames,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: sign leaf certificate", 500, err)
	}

	id := fingerprintHex(der)
	record := Record{
		ID: id, SubjectDN: template.Subject.String(), IssuerDN: rootCert.Subject.String(),
		NotBefore: now, NotAfter: notAfter, Serial: serial.String(), Fingerprint: id,
		PEM: encodeCertPEM(der), Type: TypeServer,
		Metadata: map[string]string{"parent_id": rootID, "service_id": serviceID},
	}
	if err := e.store.PutRecord(ctx, record); err != nil {
		return nil, coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError, "ca: persist leaf record", 503, err)
	}
	keyPEM := encodeRSAKeyPEM(key)
	if err := e.secrets.Store(ctx, secretstore.PrefixCertKey+id, keyPEM); err != nil {
		return nil, coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError, "ca: persist leaf private key", 503, err)
	}

	issued := IssuedCert{CertPEM: record.PEM, KeyPEM: keyPEM, CAPEM: encodeCertPEM(rootCert.Raw)}
	e.issued.Set(serviceID, issued, issuedCertCacheTTL)

	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventCertIssued, Outcome: audit.OutcomeSuccess,
		Action: "issue_service_certificate", Resource: serviceID,
		Metadata: map[string]string{"cert_id": id, "parent_id": rootID},
	})

	return &issued, nil
}

func (e *Engine) findActiveServerCert(ctx context.Context, serviceID string) (*IssuedCert, error) {
	records, err := e.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, r := range records {
		if r.Type != TypeServer || r.Revoked || r.SubjectDN != (pkix.Name{CommonName: serviceID}).String() {
			continue
		}
		if !r.NotAfter.After(now) {
			continue
		}
		keyPEM, err := e.secrets.Get(ctx, secretstore.PrefixCertKey+r.ID)
		if err != nil {
			continue // private key not retrievable: fall through to reissue
		}
		e.mu.RLock()
		caPEM := encodeCertPEM(e.rootCert.Raw)
		e.mu.RUnlock()
		issued := IssuedCert{CertPEM: r.PEM, KeyPEM: keyPEM, CAPEM: caPEM}
		return &issued, nil
	}
	return nil, secretstore.NotFound(serviceID)
}

// Revoke implements spec.md §4.6's Revoke.
func (e *Engine) Revoke(ctx context.Context, certID, reason string) error {
	record, err := e.store.GetRecord(ctx, certID)
	if err != nil {
		return err
	}
	if record.Revoked {
		return coreerr.New(coreerr.Conflict, svcerrors.ErrCodeConflict,
			"ca: certificate already revoked: "+certID, 409)
	}

	now := time.Now()
	record.Revoked = true
	record.RevokedAt = now
	record.Reason = reason
	if err := e.store.PutRecord(ctx, *record); err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError, "ca: persist revocation", 503, err)
	}

	e.crlMu.Lock()
	e.revoked[record.Serial] = CRLEntry{Serial: record.Serial, RevokedAt: now, ReasonText: reason}
	e.crlMu.Unlock()

	// The issued-cert cache is keyed by the bare service id (see
	// GetOrCreateServiceCertificate's Set/Get calls), not by SubjectDN, so
	// invalidation must use the same key.
	if serviceID, ok := record.Metadata["service_id"]; ok {
		e.issued.Invalidate(serviceID)
	}

	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventCertRevoked, Outcome: audit.OutcomeSuccess,
		Action: "revoke_certificate", Resource: certID, Metadata: map[string]string{"reason": reason},
	})
	return nil
}

// IsRevoked implements spec.md §4.6's Is-revoked check: a serial lookup
// against the in-memory CRL set populated on boot.
func (e *Engine) IsRevoked(serial string) bool {
	e.crlMu.RLock()
	defer e.crlMu.RUnlock()
	_, ok := e.revoked[serial]
	return ok
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: generate serial number", 500, err)
	}
	return serial, nil
}

func fingerprintHex(der []byte) string {
	sum := sha256.Sum256(der)
	return hexutil.EncodeToString(sum[:])
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeRSAKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func parseRSAKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, coreerr.New(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: private key PEM is invalid", 500)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "ca: parse private key", 500, err)
	}
	return key, nil
}
