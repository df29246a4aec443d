// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pairing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/terminox/internal/protocol"
)

// DefaultPairingExpiry é a validade de uma sessão de pairing.
const DefaultPairingExpiry = 5 * time.Minute

var (
	ErrPairingNotFound = errors.New("pairing: session not found")
	ErrSessionExpired  = errors.New("pairing: session expired")
	ErrInvalidState    = errors.New("pairing: invalid state for operation")
	ErrUserRejected    = errors.New("pairing: rejected by user")
	ErrAlreadyPaired   = errors.New("pairing: device already paired")
)

// RateLimitedError informa quando a origem pode tentar de novo.
type RateLimitedError struct {
	RetryAfter time.Duration
	LockedOut  bool
}

func (e *RateLimitedError) Error() string {
	if e.LockedOut {
		return fmt.Sprintf("pairing: locked out, retry in %s", e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("pairing: rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

// Session é uma sessão de pairing em andamento.
type Session struct {
	ID         string
	State      byte
	DeviceID   string
	DeviceName string
	CreatedAt  time.Time
	ExpiresAt  time.Time

	AgentFingerprint  string
	MobileFingerprint string

	keyPair    *KeyPair
	mobileKey  string
	sessionKey [32]byte
	code       string
}

// Manager conduz o ciclo de pairing: inicia a sessão, processa a chave do
// dispositivo, expõe o código de verificação e consolida a confirmação no
// store de dispositivos.
type Manager struct {
	store   *Store
	limiter *RateLimiter
	logger  *slog.Logger
	expiry  time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager cria o manager sobre o store dado.
func NewManager(store *Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		limiter:  NewRateLimiter(),
		logger:   logger.With("component", "pairing"),
		expiry:   DefaultPairingExpiry,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Initiate abre uma sessão de pairing: gera o par efêmero do agent e fica
// aguardando a chave do dispositivo móvel.
func (m *Manager) Initiate() (*Session, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	fp, err := kp.Fingerprint()
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:               uuid.NewString(),
		State:            protocol.PairingStateAwaitingKey,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.expiry),
		AgentFingerprint: fp,
		keyPair:          kp,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("pairing initiated", "pairing", s.ID, "agent_fingerprint", fp)
	return s, nil
}

// AgentPublicKey exporta a chave pública do agent para entrega out-of-band
// ao dispositivo (QR ou discovery).
func (m *Manager) AgentPublicKey(id string) (string, error) {
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.keyPair.PublicKeyB64()
}

// get retorna a sessão viva, expirando-a se o prazo passou.
func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrPairingNotFound
	}
	if s.State != protocol.PairingStateCompleted && m.now().After(s.ExpiresAt) {
		s.State = protocol.PairingStateExpired
		return nil, ErrSessionExpired
	}
	return s, nil
}

// ProcessMobileKey executa o lado do agent da troca: valida a chave SPKI
// do dispositivo, faz o acordo ECDH e deriva chave de sessão e código.
func (m *Manager) ProcessMobileKey(id, deviceID, deviceName, publicKeyB64 string) (*Session, error) {
	if dec := m.limiter.Check(deviceID); !dec.Allowed {
		m.logger.Warn("pairing attempt rate limited", "device", deviceID, "retry_after", dec.RetryAfter)
		return nil, &RateLimitedError{RetryAfter: dec.RetryAfter, LockedOut: dec.LockedOut}
	}
	if err := m.store.IsTrusted(deviceID); err == nil {
		return nil, ErrAlreadyPaired
	}

	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.State != protocol.PairingStateAwaitingKey {
		return nil, fmt.Errorf("%w: state %d", ErrInvalidState, s.State)
	}

	secret, err := s.keyPair.SharedSecret(publicKeyB64)
	if err != nil {
		m.limiter.RecordFailure(deviceID)
		return nil, err
	}
	mobileFP, err := FingerprintOf(publicKeyB64)
	if err != nil {
		m.limiter.RecordFailure(deviceID)
		return nil, err
	}

	s.DeviceID = deviceID
	s.DeviceName = deviceName
	s.mobileKey = publicKeyB64
	s.MobileFingerprint = mobileFP
	s.sessionKey = DeriveSessionKey(secret)
	s.code = VerificationCode(secret)
	s.State = protocol.PairingStateAwaitingVerification

	// O segredo bruto não fica retido; só os derivados.
	for i := range secret {
		secret[i] = 0
	}

	m.logger.Info("mobile key accepted, awaiting verification",
		"pairing", s.ID, "device", deviceID, "mobile_fingerprint", mobileFP)
	return s, nil
}

// Code retorna o código de 6 dígitos para exibição local. Disponível
// apenas em AWAITING_VERIFICATION.
func (m *Manager) Code(id string) (string, error) {
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.State != protocol.PairingStateAwaitingVerification {
		return "", fmt.Errorf("%w: code not derived yet", ErrInvalidState)
	}
	return s.code, nil
}

// SessionKey retorna a chave de sessão derivada (pós-verificação).
func (m *Manager) SessionKey(id string) ([32]byte, error) {
	s, err := m.get(id)
	if err != nil {
		return [32]byte{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.State != protocol.PairingStateAwaitingVerification && s.State != protocol.PairingStateCompleted {
		return [32]byte{}, ErrInvalidState
	}
	return s.sessionKey, nil
}

// Confirm consolida a decisão do usuário. Confirmado: persiste o
// dispositivo como confiável e limpa o limiter. Rejeitado: cancela a
// sessão e conta como falha no limiter.
func (m *Manager) Confirm(id string, confirmed bool) (*Device, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s.State != protocol.PairingStateAwaitingVerification {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: state %d", ErrInvalidState, s.State)
	}

	if !confirmed {
		s.State = protocol.PairingStateCancelled
		deviceID := s.DeviceID
		m.mu.Unlock()
		m.limiter.RecordFailure(deviceID)
		m.logger.Warn("pairing rejected by user", "pairing", id, "device", deviceID)
		return nil, ErrUserRejected
	}

	device := Device{
		ID:          s.DeviceID,
		Name:        s.DeviceName,
		Fingerprint: s.MobileFingerprint,
		PublicKey:   s.mobileKey,
		PairedAt:    m.now(),
		LastSeen:    m.now(),
		Status:      DeviceTrusted,
	}
	s.State = protocol.PairingStateCompleted
	m.mu.Unlock()

	if err := m.store.Add(device); err != nil {
		return nil, fmt.Errorf("persisting paired device: %w", err)
	}
	m.limiter.RecordSuccess(device.ID)
	m.logger.Info("device paired", "pairing", id, "device", device.ID, "name", device.Name)
	return &device, nil
}

// Cancel aborta uma sessão em andamento.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrPairingNotFound
	}
	if s.State == protocol.PairingStateCompleted {
		return fmt.Errorf("%w: already completed", ErrInvalidState)
	}
	s.State = protocol.PairingStateCancelled
	return nil
}

// Get retorna o estado corrente da sessão (expira lazy).
func (m *Manager) Get(id string) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SweepExpired marca e remove sessões vencidas. Disparada pelo scheduler.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		switch {
		case s.State == protocol.PairingStateCompleted,
			s.State == protocol.PairingStateCancelled,
			s.State == protocol.PairingStateExpired:
			delete(m.sessions, id)
			removed++
		case now.After(s.ExpiresAt):
			s.State = protocol.PairingStateExpired
			m.logger.Info("pairing session expired", "pairing", id)
		}
	}
	return removed
}

// Store expõe o device store subjacente (control API, autenticação).
func (m *Manager) Store() *Store { return m.store }
