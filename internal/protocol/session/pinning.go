package session

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrPinMismatch = errors.New("session: public key pin mismatch")
	ErrInvalidPin  = errors.New("session: invalid pin")
)

// PinSet is an immutable set of SPKI SHA-256 pins.
type PinSet struct {
	pins map[[sha256.Size]byte]struct{}
}

func NewPinSet(encoded []string) (PinSet, error) {
	encoded = normalizePins(encoded)
	if len(encoded) == 0 {
		return PinSet{}, ErrPinsRequired
	}
	set := PinSet{pins: make(map[[sha256.Size]byte]struct{}, len(encoded))}
	for _, pin := range encoded {
		raw, err := base64.StdEncoding.DecodeString(pin)
		if err != nil || len(raw) != sha256.Size {
			return PinSet{}, fmt.Errorf("%w: %q", ErrInvalidPin, pin)
		}
		var key [sha256.Size]byte
		copy(key[:], raw)
		set.pins[key] = struct{}{}
	}
	return set, nil
}

// Matches reports whether any certificate in chain carries a pinned key.
func (p PinSet) Matches(chain []*x509.Certificate) bool {
	for _, cert := range chain {
		if cert == nil {
			continue
		}
		if _, ok := p.pins[sha256.Sum256(cert.RawSubjectPublicKeyInfo)]; ok {
			return true
		}
	}
	return false
}

// VerifyConnection runs after standard chain verification. Only verified
// chains are trusted to carry a pin; extra certificates the peer sends are
// ignored. Without verification only the peer's leaf is considered.
func (p PinSet) VerifyConnection(cs tls.ConnectionState) error {
	if len(cs.VerifiedChains) > 0 {
		for _, chain := range cs.VerifiedChains {
			if p.Matches(chain) {
				return nil
			}
		}
		return ErrPinMismatch
	}
	if len(cs.PeerCertificates) > 0 && p.Matches(cs.PeerCertificates[:1]) {
		return nil
	}
	return ErrPinMismatch
}

// IsVerificationFailure classifies handshake errors that mean the peer's
// identity could not be trusted, as opposed to plain connectivity failures.
func IsVerificationFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPinMismatch) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &invalidErr)
}
