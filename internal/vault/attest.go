package vault

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Software keystore attestation. The keystore mints a self-signed root
// at creation and issues per-alias leaf certificates on demand. The
// chain proves keystore membership, not hardware provenance; the
// organizational unit names the provider kind so verifiers can tell.
const (
	attestOrganization = "noteguard"
	attestRootCN       = "noteguard keystore"

	attestRootValidity = 10 * 365 * 24 * time.Hour
	attestLeafValidity = 365 * 24 * time.Hour
)

var errEmptyChain = errors.New("vault: empty attestation chain")

func attestSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// newAttestationRoot creates the keystore's self-signed signing
// certificate. Returns the EC private key and certificate, both DER.
func newAttestationRoot(kind ProviderKind) (keyDER, certDER []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: attestation root key: %w", err)
	}

	serial, err := attestSerial()
	if err != nil {
		return nil, nil, fmt.Errorf("vault: attestation root serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{attestOrganization},
			OrganizationalUnit: []string{string(kind) + "-keystore"},
			CommonName:         attestRootCN,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(attestRootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err = x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: create attestation root: %w", err)
	}

	keyDER, err = x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: marshal attestation key: %w", err)
	}
	return keyDER, certDER, nil
}

// mintAliasCertificate issues a fresh leaf for alias signed by the
// keystore root. The leaf key is ephemeral: the certificate is a
// statement about the alias entry, not a usable signing key.
func mintAliasCertificate(rootKeyDER, rootCertDER []byte, alias string, created time.Time) ([]byte, error) {
	rootKey, err := x509.ParseECPrivateKey(rootKeyDER)
	if err != nil {
		return nil, fmt.Errorf("vault: parse attestation key: %w", err)
	}
	rootCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		return nil, fmt.Errorf("vault: parse attestation root: %w", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("vault: leaf key: %w", err)
	}
	serial, err := attestSerial()
	if err != nil {
		return nil, fmt.Errorf("vault: leaf serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       rootCert.Subject.Organization,
			OrganizationalUnit: rootCert.Subject.OrganizationalUnit,
			CommonName:         alias,
		},
		NotBefore:             created.Add(-time.Minute),
		NotAfter:              time.Now().Add(attestLeafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, &template, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("vault: create leaf certificate: %w", err)
	}
	return leafDER, nil
}

// VerifyChain checks an attestation chain ordered leaf to root: every
// certificate must parse, be inside its validity window, and carry a
// signature from its successor. A single-certificate chain, as a TPM
// endorsement certificate without its manufacturer intermediates,
// passes on parse and validity alone.
func VerifyChain(chain [][]byte) error {
	if len(chain) == 0 {
		return errEmptyChain
	}

	now := time.Now()
	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("vault: parse chain certificate %d: %w", i, err)
		}
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("vault: chain certificate %d outside validity window", i)
		}
		certs[i] = cert
	}

	for i := 0; i < len(certs)-1; i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return fmt.Errorf("vault: chain certificate %d not signed by %d: %w", i, i+1, err)
		}
	}
	return nil
}
