// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pairing implementa o emparelhamento de dispositivos: troca de
// chaves ECDH P-256, código de verificação de 6 dígitos, confirmação do
// usuário e o store de dispositivos confiáveis.
package pairing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Domínios de derivação. Sufixos distintos garantem que a chave de sessão
// e o código de verificação nunca coincidem mesmo partindo do mesmo segredo.
const (
	sessionKeyDomain   = "terminox-session-key"
	verificationDomain = "terminox-verification"
)

var (
	ErrInvalidPublicKey = errors.New("pairing: invalid public key")
	ErrDecryptFailed    = errors.New("pairing: decrypt failed")
)

// KeyPair é o par efêmero ECDH de um lado do pairing.
type KeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateKeyPair cria um par P-256 novo.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ecdh key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// PublicKeyB64 exporta a chave pública como SubjectPublicKeyInfo em base64.
func (kp *KeyPair) PublicKeyB64() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.private.PublicKey())
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Fingerprint calcula a impressão digital da chave pública no formato
// OpenSSH: "SHA256:" + base64 do hash, sem o '=' final.
func (kp *KeyPair) Fingerprint() (string, error) {
	pub, err := kp.PublicKeyB64()
	if err != nil {
		return "", err
	}
	return FingerprintOf(pub)
}

// FingerprintOf calcula a fingerprint de uma chave pública em base64.
func FingerprintOf(publicKeyB64 string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	sum := sha256.Sum256(der)
	enc := base64.StdEncoding.EncodeToString(sum[:])
	return "SHA256:" + strings.TrimRight(enc, "="), nil
}

// parsePeerKey decodifica a chave pública do peer (SPKI base64) e valida
// que é um ponto P-256 válido.
func parsePeerKey(publicKeyB64 string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	// ParsePKIXPublicKey retorna *ecdsa.PublicKey para curvas NIST.
	ecKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPublicKey, parsed)
	}
	pub, err := ecKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if pub.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: curve is not P-256", ErrInvalidPublicKey)
	}
	return pub, nil
}

// SharedSecret executa o ECDH com a chave pública do peer.
func (kp *KeyPair) SharedSecret(peerPublicKeyB64 string) ([]byte, error) {
	peer, err := parsePeerKey(peerPublicKeyB64)
	if err != nil {
		return nil, err
	}
	secret, err := kp.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh agreement: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey deriva a chave AES-256 da sessão a partir do segredo.
func DeriveSessionKey(secret []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(sessionKeyDomain))
	h.Write(secret)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// VerificationCode deriva o código de 6 dígitos exibido em ambos os lados.
// Os dois lados chegam ao mesmo código sem trocar o segredo.
func VerificationCode(secret []byte) string {
	h := sha256.New()
	h.Write([]byte(verificationDomain))
	h.Write(secret)
	sum := h.Sum(nil)
	n := binary.BigEndian.Uint32(sum[:4]) % 1_000_000
	return fmt.Sprintf("%06d", n)
}

// EncryptSession cifra plaintext com AES-256-GCM e nonce aleatório.
// O nonce prefixa o ciphertext.
func EncryptSession(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSession abre um ciphertext produzido por EncryptSession.
func DecryptSession(key [32]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
