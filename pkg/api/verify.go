package api

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// maxCertBytes bounds the signing certificate download
const maxCertBytes = 64 << 10

var (
	// ErrInvalidSignature is returned when a message is unsigned or its
	// signature does not verify against the SNS signing certificate
	ErrInvalidSignature = errors.New("invalid SNS message signature")

	// ErrUntrustedCertURL is returned for SigningCertURLs that do not point at SNS
	ErrUntrustedCertURL = errors.New("signing certificate URL is not an SNS endpoint")
)

// Verifier checks SNS message signatures. Signing certificates are fetched
// once per URL and cached for the life of the process.
type Verifier struct {
	client *http.Client
	roots  *x509.CertPool
	now    func() time.Time

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

// NewVerifier creates a verifier that downloads certificates with client and
// checks them against roots. A nil roots uses the system pool.
func NewVerifier(client *http.Client, roots *x509.CertPool) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{
		client: client,
		roots:  roots,
		now:    time.Now,
		certs:  make(map[string]*x509.Certificate),
	}
}

// Verify returns nil when m carries a valid SignatureVersion 1 or 2 signature
func (v *Verifier) Verify(ctx context.Context, m *Message) error {
	if m.Signature == "" || m.SigningCertURL == "" {
		return fmt.Errorf("%w: message is not signed", ErrInvalidSignature)
	}

	var hash crypto.Hash
	switch m.SignatureVersion {
	case "1":
		hash = crypto.SHA1
	case "2":
		hash = crypto.SHA256
	default:
		return fmt.Errorf("%w: unsupported signature version %q", ErrInvalidSignature, m.SignatureVersion)
	}

	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrInvalidSignature)
	}
	payload, err := m.StringToSign()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	cert, err := v.certificate(ctx, m.SigningCertURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signing certificate does not hold an RSA key", ErrInvalidSignature)
	}

	var digest []byte
	if hash == crypto.SHA1 {
		sum := sha1.Sum(payload)
		digest = sum[:]
	} else {
		sum := sha256.Sum256(payload)
		digest = sum[:]
	}
	if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (v *Verifier) certificate(ctx context.Context, raw string) (*x509.Certificate, error) {
	u, err := ValidateCertURL(raw)
	if err != nil {
		return nil, err
	}
	key := u.String()

	v.mu.Lock()
	cert, ok := v.certs[key]
	v.mu.Unlock()
	if ok {
		return v.checkCert(cert)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing certificate download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read signing certificate: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: signing certificate is not PEM", ErrInvalidSignature)
	}
	cert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, err := v.checkCert(cert); err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.certs[key] = cert
	v.mu.Unlock()
	return cert, nil
}

// checkCert verifies the chain on every use so an expired certificate stops
// verifying even when cached
func (v *Verifier) checkCert(cert *x509.Certificate) (*x509.Certificate, error) {
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       v.roots,
		CurrentTime: v.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: untrusted signing certificate: %v", ErrInvalidSignature, err)
	}
	return cert, nil
}

// StringToSign builds the canonical form SNS signs for m's type
func (m *Message) StringToSign() ([]byte, error) {
	var keys []string
	switch m.Type {
	case TypeNotification:
		keys = []string{"Message", "MessageId", "Subject", "Timestamp", "TopicArn", "Type"}
	case TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
		keys = []string{"Message", "MessageId", "SubscribeURL", "Timestamp", "Token", "TopicArn", "Type"}
	default:
		return nil, fmt.Errorf("cannot sign message type %q", m.Type)
	}

	values := map[string]string{
		"Message":      m.Message,
		"MessageId":    m.MessageID,
		"Subject":      m.Subject,
		"SubscribeURL": m.SubscribeURL,
		"Timestamp":    m.Timestamp,
		"Token":        m.Token,
		"TopicArn":     m.TopicArn,
		"Type":         m.Type,
	}

	var b strings.Builder
	for _, k := range keys {
		// Subject is only signed when present
		if k == "Subject" && m.Subject == "" {
			continue
		}
		b.WriteString(k)
		b.WriteByte('\n')
		b.WriteString(values[k])
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// ValidateCertURL accepts only https .pem URLs on an SNS host
func ValidateCertURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedCertURL, err)
	}
	if !isSNSEndpoint(u) || !strings.HasSuffix(u.Path, ".pem") {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedCertURL, u.Redacted())
	}
	return u, nil
}
