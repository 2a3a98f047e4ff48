package api

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const certURL = "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-test.pem"

type snsSigner struct {
	key     *rsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
	fetches atomic.Int32
}

var (
	signerOnce sync.Once
	signer     *snsSigner
	signerErr  error
)

func testSigner(t *testing.T) *snsSigner {
	t.Helper()
	signerOnce.Do(func() { signer, signerErr = newSNSSigner() })
	require.NoError(t, signerErr)
	return signer
}

func newSNSSigner() (*snsSigner, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "sns.amazonaws.com"},
		DNSNames:              []string{"sns.amazonaws.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &snsSigner{
		key:     key,
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// verifier trusts only the signer's certificate and serves it from certURL
func (s *snsSigner) verifier() *Verifier {
	roots := x509.NewCertPool()
	roots.AddCert(s.cert)
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.String() != certURL {
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil))}, nil
		}
		s.fetches.Add(1)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(s.certPEM))}, nil
	})}
	return NewVerifier(client, roots)
}

func (s *snsSigner) sign(t *testing.T, m Message, version string) Message {
	t.Helper()
	if m.Timestamp == "" {
		m.Timestamp = "2024-03-01T12:00:00.000Z"
	}
	m.SignatureVersion = version
	m.SigningCertURL = certURL

	payload, err := m.StringToSign()
	require.NoError(t, err)

	hash := crypto.SHA256
	var digest []byte
	if version == "1" {
		hash = crypto.SHA1
		sum := sha1.Sum(payload)
		digest = sum[:]
	} else {
		sum := sha256.Sum256(payload)
		digest = sum[:]
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, hash, digest)
	require.NoError(t, err)
	m.Signature = base64.StdEncoding.EncodeToString(sig)
	return m
}

func TestVerifierAcceptsSignedMessages(t *testing.T) {
	s := testSigner(t)
	v := s.verifier()

	for _, version := range []string{"1", "2"} {
		notification := s.sign(t, Message{Type: TypeNotification, MessageID: "m-" + version, TopicArn: topicARN, Subject: "ALARM", Message: alarmMessage}, version)
		assert.NoError(t, v.Verify(context.Background(), &notification), "notification v%s", version)

		confirmation := s.sign(t, Message{Type: TypeSubscriptionConfirmation, MessageID: "c-" + version, TopicArn: topicARN, SubscribeURL: subscribeURL, Token: "abc"}, version)
		assert.NoError(t, v.Verify(context.Background(), &confirmation), "confirmation v%s", version)
	}
}

func TestVerifierCachesCertificates(t *testing.T) {
	s := testSigner(t)
	v := s.verifier()
	before := s.fetches.Load()

	for i := 0; i < 3; i++ {
		m := s.sign(t, Message{Type: TypeNotification, TopicArn: topicARN, Message: alarmMessage}, "2")
		require.NoError(t, v.Verify(context.Background(), &m))
	}
	assert.Equal(t, int32(1), s.fetches.Load()-before)
}

func TestVerifierRejects(t *testing.T) {
	s := testSigner(t)
	signed := s.sign(t, Message{Type: TypeNotification, MessageID: "m-1", TopicArn: topicARN, Message: alarmMessage}, "2")

	tests := []struct {
		name   string
		mutate func(m *Message)
		want   error
	}{
		{"unsigned", func(m *Message) { m.Signature, m.SigningCertURL = "", "" }, ErrInvalidSignature},
		{"bogus signature", func(m *Message) { m.Signature = "bogus" }, ErrInvalidSignature},
		{"tampered topic", func(m *Message) { m.TopicArn = "arn:aws:sns:us-east-1:999999999999:other" }, ErrInvalidSignature},
		{"tampered message", func(m *Message) { m.Message = `{"AlarmName":"forged"}` }, ErrInvalidSignature},
		{"wrong version", func(m *Message) { m.SignatureVersion = "1" }, ErrInvalidSignature},
		{"unknown version", func(m *Message) { m.SignatureVersion = "3" }, ErrInvalidSignature},
		{"foreign cert host", func(m *Message) { m.SigningCertURL = "https://evil.example/cert.pem" }, ErrUntrustedCertURL},
		{"bucket cert host", func(m *Message) { m.SigningCertURL = "https://sns.attacker.s3.amazonaws.com/cert.pem" }, ErrUntrustedCertURL},
		{"plain http cert", func(m *Message) { m.SigningCertURL = "http://sns.us-east-1.amazonaws.com/cert.pem" }, ErrUntrustedCertURL},
		{"not a pem path", func(m *Message) { m.SigningCertURL = "https://sns.us-east-1.amazonaws.com/?Action=Unsubscribe" }, ErrUntrustedCertURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := signed
			tt.mutate(&m)
			err := s.verifier().Verify(context.Background(), &m)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifierRejectsUntrustedCertificate(t *testing.T) {
	s := testSigner(t)
	m := s.sign(t, Message{Type: TypeNotification, TopicArn: topicARN, Message: alarmMessage}, "2")

	// Same certificate, but not in the root pool
	v := s.verifier()
	v.roots = x509.NewCertPool()
	assert.ErrorIs(t, v.Verify(context.Background(), &m), ErrInvalidSignature)

	v = s.verifier()
	v.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	assert.ErrorIs(t, v.Verify(context.Background(), &m), ErrInvalidSignature, "expired certificate")
}

func TestVerifierCertificateFetchFailure(t *testing.T) {
	s := testSigner(t)
	m := s.sign(t, Message{Type: TypeNotification, TopicArn: topicARN, Message: alarmMessage}, "2")

	v := NewVerifier(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	})}, nil)
	err := v.Verify(context.Background(), &m)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSignature)
}

func TestStringToSign(t *testing.T) {
	m := Message{Type: TypeNotification, MessageID: "id", TopicArn: "arn", Message: "body", Timestamp: "ts"}
	got, err := m.StringToSign()
	require.NoError(t, err)
	assert.Equal(t, "Message\nbody\nMessageId\nid\nTimestamp\nts\nTopicArn\narn\nType\nNotification\n", string(got))

	m.Subject = "subj"
	got, err = m.StringToSign()
	require.NoError(t, err)
	assert.Contains(t, string(got), "MessageId\nid\nSubject\nsubj\nTimestamp\n")

	c := Message{Type: TypeSubscriptionConfirmation, MessageID: "id", TopicArn: "arn", Message: "body", Timestamp: "ts", SubscribeURL: "url", Token: "tok"}
	got, err = c.StringToSign()
	require.NoError(t, err)
	assert.Equal(t, "Message\nbody\nMessageId\nid\nSubscribeURL\nurl\nTimestamp\nts\nToken\ntok\nTopicArn\narn\nType\nSubscriptionConfirmation\n", string(got))

	_, err = (&Message{Type: "Surprise"}).StringToSign()
	assert.Error(t, err)
}
