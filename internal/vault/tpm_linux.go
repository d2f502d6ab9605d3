//go:build linux

package vault

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"noteguard/internal/config"
	"noteguard/internal/logging"
	"noteguard/internal/security"
)

// TPM device paths in preference order. The kernel resource manager
// multiplexes access and is tried first.
var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

const (
	// nvEKCertificateIndex is the RSA endorsement certificate NV index
	// from the TCG EK Credential Profile.
	nvEKCertificateIndex = 0x01C00002

	// nvReadChunk bounds single NVRead sizes; EK certificates exceed
	// the TPM's transfer buffer.
	nvReadChunk = 512
)

var defaultSealPCRs = []int{0, 7}

// TPMProvider is the hardware SecureKeyProvider. Per-alias root
// secrets are sealed to the TPM storage hierarchy under a PCR policy,
// so key material only releases while the measured platform state
// matches the state at enrollment. A firmware or bootloader change
// rolls the PCRs and every sealed root stops unsealing, which surfaces
// as key invalidation.
type TPMProvider struct {
	mu           sync.Mutex
	log          *logging.Logger
	devicePath   string
	pcrs         []int
	tr           transport.TPMCloser
	ks           *keystore
	manufacturer string
	closed       bool
}

// detectHardwareProvider probes the configured TPM device, then the
// platform defaults. Returns nil when no usable TPM exists.
func detectHardwareProvider(cfg config.VaultConfig, logger *logging.Logger) SecureKeyProvider {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("vault.tpm")

	paths := tpmDevicePaths
	if cfg.TPMPath != "" {
		paths = []string{cfg.TPMPath}
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		p, err := NewTPMProvider(cfg, path, logger)
		if err != nil {
			log.Warn("tpm present but unusable", "device", path, "error", err)
			continue
		}
		return p
	}
	return nil
}

// NewTPMProvider opens the TPM at devicePath and loads the sealed-blob
// keystore.
func NewTPMProvider(cfg config.VaultConfig, devicePath string, logger *logging.Logger) (*TPMProvider, error) {
	if logger == nil {
		logger = logging.Default()
	}

	tr, err := transport.OpenTPM(devicePath)
	if err != nil {
		return nil, fmt.Errorf("vault: open tpm %s: %w", devicePath, err)
	}

	ks, err := openKeystore(cfg.KeystorePath, string(KindHardware))
	if err != nil {
		tr.Close()
		return nil, err
	}

	pcrs := cfg.TPMPCRs
	if len(pcrs) == 0 {
		pcrs = defaultSealPCRs
	}

	p := &TPMProvider{
		log:        logger.WithComponent("vault.tpm"),
		devicePath: devicePath,
		pcrs:       append([]int(nil), pcrs...),
		tr:         tr,
		ks:         ks,
	}
	p.readManufacturer()
	return p, nil
}

// Kind implements SecureKeyProvider.
func (p *TPMProvider) Kind() ProviderKind { return KindHardware }

// Available implements SecureKeyProvider.
func (p *TPMProvider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	_, err := os.Stat(p.devicePath)
	return err == nil
}

// DeviceSecure implements SecureKeyProvider.
func (p *TPMProvider) DeviceSecure(ctx context.Context) (bool, error) {
	return platformDeviceSecure(ctx)
}

// Manufacturer reports the TPM manufacturer code, for diagnostics.
func (p *TPMProvider) Manufacturer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manufacturer
}

// GenerateKey implements SecureKeyProvider. An alias that still unseals
// keeps its key; after invalidation the entry is gone and a fresh root
// is sealed under the current PCR state.
func (p *TPMProvider) GenerateKey(_ context.Context, alias string, policy KeyPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}

	if _, ok := p.ks.entry(alias); ok {
		return nil
	}

	root, err := security.GenerateKey(rootSecretSize)
	if err != nil {
		return fmt.Errorf("vault: generate root secret: %w", err)
	}
	defer security.Wipe(root)

	sealed, err := p.seal(root)
	if err != nil {
		return err
	}

	p.ks.put(alias, keystoreEntry{
		Blob:                sealed,
		Generation:          p.ks.file.Generation,
		RequireAuth:         policy.RequireAuth,
		AuthValiditySeconds: policy.AuthValiditySeconds,
		CreatedAt:           time.Now().UTC(),
	})
	return p.ks.save()
}

// Wrap implements SecureKeyProvider.
func (p *TPMProvider) Wrap(_ context.Context, alias string, plaintext []byte) (*WrappedSecret, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root, err := p.aliasRootLocked(alias)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(root)

	return wrapWithRoot(root, alias, plaintext)
}

// Unwrap implements SecureKeyProvider.
func (p *TPMProvider) Unwrap(_ context.Context, alias string, secret *WrappedSecret) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root, err := p.aliasRootLocked(alias)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(root)

	return unwrapWithRoot(root, alias, secret)
}

// HMAC implements SecureKeyProvider.
func (p *TPMProvider) HMAC(_ context.Context, alias string, data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root, err := p.aliasRootLocked(alias)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(root)

	return hmacWithRoot(root, data)
}

// AttestationChain implements SecureKeyProvider. The chain is the
// endorsement certificate read from NV; manufacturer intermediates live
// off-device, so the chain usually has one element.
func (p *TPMProvider) AttestationChain(_ context.Context, alias string) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}

	if _, ok := p.ks.entry(alias); !ok {
		return nil, ErrNoKey
	}

	raw, err := p.readNVBytes(nvEKCertificateIndex)
	if err != nil {
		return nil, fmt.Errorf("vault: read endorsement certificate: %w", err)
	}

	cert, err := parsePaddedCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: endorsement certificate: %w", err)
	}
	return [][]byte{cert.Raw}, nil
}

// DeleteKey implements SecureKeyProvider. Removing the sealed blob is
// all it takes; nothing key-specific persists inside the TPM.
func (p *TPMProvider) DeleteKey(_ context.Context, alias string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}

	if p.ks.remove(alias) {
		return p.ks.save()
	}
	return nil
}

// Close implements SecureKeyProvider.
func (p *TPMProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.tr != nil {
		return p.tr.Close()
	}
	return nil
}

// aliasRootLocked unseals the alias root secret. A blob that no longer
// unseals means the measured platform state changed; the entry is
// deleted before the invalidation error surfaces.
func (p *TPMProvider) aliasRootLocked(alias string) ([]byte, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}

	e, ok := p.ks.entry(alias)
	if !ok {
		return nil, ErrNoKey
	}

	root, err := p.unseal(e.Blob)
	if err != nil {
		if p.ks.remove(alias) {
			if serr := p.ks.save(); serr != nil {
				p.log.Error("persist invalidation", "alias", alias, "error", serr)
			}
		}
		p.log.Warn("sealed root no longer unseals", "alias", alias, "error", err)
		return nil, ErrKeyInvalidated
	}
	return root, nil
}

// seal protects data under the storage hierarchy with the configured
// PCR policy. The blob is len(pub) || pub || len(priv) || priv with
// big-endian uint32 lengths.
func (p *TPMProvider) seal(data []byte) ([]byte, error) {
	srkHandle, err := p.createPrimary()
	if err != nil {
		return nil, fmt.Errorf("vault: create srk: %w", err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: srkHandle}
		flushCmd.Execute(p.tr)
	}()

	_, closeSession, policyDigest, err := p.startPCRPolicy()
	if err != nil {
		return nil, fmt.Errorf("vault: pcr policy: %w", err)
	}
	defer closeSession()

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srkHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{Buffer: data},
				),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: false,
			},
			AuthPolicy: tpm2.TPM2BDigest{Buffer: policyDigest},
		}),
	}

	createRsp, err := createCmd.Execute(p.tr)
	if err != nil {
		return nil, fmt.Errorf("vault: tpm create: %w", err)
	}

	pubBytes := tpm2.Marshal(createRsp.OutPublic)
	privBytes := createRsp.OutPrivate.Buffer

	sealed := make([]byte, 4+len(pubBytes)+4+len(privBytes))
	binary.BigEndian.PutUint32(sealed[0:4], uint32(len(pubBytes)))
	copy(sealed[4:], pubBytes)
	offset := 4 + len(pubBytes)
	binary.BigEndian.PutUint32(sealed[offset:offset+4], uint32(len(privBytes)))
	copy(sealed[offset+4:], privBytes)
	return sealed, nil
}

// unseal reverses seal. Unsealing fails when the current PCR values no
// longer satisfy the policy the blob was created under.
func (p *TPMProvider) unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < 8 {
		return nil, errors.New("vault: sealed blob too short")
	}
	pubLen := binary.BigEndian.Uint32(sealed[0:4])
	if len(sealed) < int(4+pubLen+4) {
		return nil, errors.New("vault: sealed blob corrupted")
	}
	pubBytes := sealed[4 : 4+pubLen]
	offset := 4 + pubLen
	privLen := binary.BigEndian.Uint32(sealed[offset : offset+4])
	if len(sealed) < int(offset+4+privLen) {
		return nil, errors.New("vault: sealed blob corrupted")
	}
	privBytes := sealed[offset+4 : offset+4+privLen]

	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return nil, fmt.Errorf("vault: unmarshal sealed public: %w", err)
	}

	srkHandle, err := p.createPrimary()
	if err != nil {
		return nil, fmt.Errorf("vault: create srk: %w", err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: srkHandle}
		flushCmd.Execute(p.tr)
	}()

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srkHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  *outPublic,
		InPrivate: tpm2.TPM2BPrivate{Buffer: privBytes},
	}
	loadRsp, err := loadCmd.Execute(p.tr)
	if err != nil {
		return nil, fmt.Errorf("vault: tpm load: %w", err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: loadRsp.ObjectHandle}
		flushCmd.Execute(p.tr)
	}()

	policySession, closeSession, _, err := p.startPCRPolicy()
	if err != nil {
		return nil, fmt.Errorf("vault: pcr policy: %w", err)
	}
	defer closeSession()

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Auth:   policySession,
		},
	}
	unsealRsp, err := unsealCmd.Execute(p.tr)
	if err != nil {
		return nil, fmt.Errorf("vault: tpm unseal: %w", err)
	}
	return unsealRsp.OutData.Buffer, nil
}

// createPrimary derives the storage root key. Primary keys are
// deterministic for a given hierarchy seed and template, so this yields
// the same parent on every call without persisting a handle.
func (p *TPMProvider) createPrimary() (tpm2.TPMHandle, error) {
	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				STClear:             false,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				Decrypt:             true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: tpm2.TPMECCNistP256,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
		}),
	}

	rsp, err := createPrimaryCmd.Execute(p.tr)
	if err != nil {
		return 0, err
	}
	return rsp.ObjectHandle, nil
}

// startPCRPolicy opens a policy session bound to the configured PCRs
// and returns the session, a close func that flushes it, and the
// resulting policy digest.
func (p *TPMProvider) startPCRPolicy() (tpm2.Session, func() error, []byte, error) {
	sess, closeSession, err := tpm2.PolicySession(p.tr, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, nil, nil, err
	}

	policyPCRCmd := tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs:          p.pcrSelection(),
	}
	if _, err := policyPCRCmd.Execute(p.tr); err != nil {
		closeSession()
		return nil, nil, nil, err
	}

	getDigestCmd := tpm2.PolicyGetDigest{
		PolicySession: sess.Handle(),
	}
	digestRsp, err := getDigestCmd.Execute(p.tr)
	if err != nil {
		closeSession()
		return nil, nil, nil, err
	}
	return sess, closeSession, digestRsp.PolicyDigest.Buffer, nil
}

func (p *TPMProvider) pcrSelection() tpm2.TPMLPCRSelection {
	// PC Client PTP selection bitmask: bit (pcr%8) of byte (pcr/8),
	// sized for at least the mandatory 24-PCR allocation.
	sel := make([]byte, 3)
	for _, pcr := range p.pcrs {
		if pcr/8 >= len(sel) {
			sel = append(sel, make([]byte, pcr/8+1-len(sel))...)
		}
		sel[pcr/8] |= 1 << (pcr % 8)
	}
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: sel,
			},
		},
	}
}

// readNVBytes reads a full NV index in chunks.
func (p *TPMProvider) readNVBytes(index uint32) ([]byte, error) {
	readPubCmd := tpm2.NVReadPublic{
		NVIndex: tpm2.TPMHandle(index),
	}
	pubRsp, err := readPubCmd.Execute(p.tr)
	if err != nil {
		return nil, fmt.Errorf("nv read public: %w", err)
	}
	nvPub, err := pubRsp.NVPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("nv public contents: %w", err)
	}

	size := int(nvPub.DataSize)
	out := make([]byte, 0, size)
	for off := 0; off < size; off += nvReadChunk {
		n := size - off
		if n > nvReadChunk {
			n = nvReadChunk
		}
		readCmd := tpm2.NVRead{
			AuthHandle: tpm2.AuthHandle{
				Handle: tpm2.TPMHandle(index),
				Auth:   tpm2.PasswordAuth(nil),
			},
			NVIndex: tpm2.TPMHandle(index),
			Size:    uint16(n),
			Offset:  uint16(off),
		}
		rsp, err := readCmd.Execute(p.tr)
		if err != nil {
			return nil, fmt.Errorf("nv read at %d: %w", off, err)
		}
		out = append(out, rsp.Data.Buffer...)
	}
	return out, nil
}

func (p *TPMProvider) readManufacturer() {
	getCapCmd := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}
	rsp, err := getCapCmd.Execute(p.tr)
	if err != nil {
		return
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil || len(props.TPMProperty) == 0 {
		return
	}
	mfr := props.TPMProperty[0].Value
	p.manufacturer = fmt.Sprintf("%c%c%c%c",
		byte(mfr>>24), byte(mfr>>16), byte(mfr>>8), byte(mfr))
}

// parsePaddedCertificate parses one DER certificate from an NV blob
// that may carry trailing padding.
func parsePaddedCertificate(data []byte) (*x509.Certificate, error) {
	if cert, err := x509.ParseCertificate(data); err == nil {
		return cert, nil
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("not DER: %w", err)
	}
	return x509.ParseCertificate(raw.FullBytes)
}

var _ SecureKeyProvider = (*TPMProvider)(nil)
