// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Métodos de autenticação do canal de mensagens.
const (
	AuthMethodNone        = "none"
	AuthMethodToken       = "token"
	AuthMethodCertificate = "certificate"
)

// Códigos de método no wire (AuthRequest.Method).
const (
	AuthWireNone        byte = 0x00
	AuthWireToken       byte = 0x01
	AuthWireCertificate byte = 0x02
)

// MaxTokenLen limita o credential aceito no frame de auth.
const MaxTokenLen = 4096

var (
	ErrAuthFailed    = errors.New("auth: invalid credential")
	ErrAuthLockedOut = errors.New("auth: too many failures, locked out")
	ErrTokenTooLong  = errors.New("auth: credential exceeds maximum length")
)

// Authenticator valida credenciais do canal de mensagens e aplica lockout
// por origem após falhas repetidas.
type Authenticator struct {
	method      string
	tokenHash   [32]byte
	hasToken    bool
	maxFailures int
	lockout     time.Duration

	mu       sync.Mutex
	failures map[string]*authFailures
	now      func() time.Time
}

type authFailures struct {
	count       int
	lockedUntil time.Time
}

// NewAuthenticator cria o authenticator para o método configurado.
// O token nunca é retido em claro: só o hash participa da comparação.
func NewAuthenticator(method, token string, maxFailures int, lockout time.Duration) *Authenticator {
	a := &Authenticator{
		method:      method,
		maxFailures: maxFailures,
		lockout:     lockout,
		failures:    make(map[string]*authFailures),
		now:         time.Now,
	}
	if token != "" {
		a.tokenHash = sha256.Sum256([]byte(token))
		a.hasToken = true
	}
	return a
}

// Method retorna o método configurado.
func (a *Authenticator) Method() string { return a.method }

// Required responde se a conexão precisa enviar auth-request antes das
// operações de sessão.
func (a *Authenticator) Required() bool { return a.method == AuthMethodToken }

// Authenticate valida a credencial apresentada pela origem remota.
// NONE aceita sempre; CERTIFICATE aceita sempre (a confiança veio do
// handshake mTLS); TOKEN compara em tempo constante.
func (a *Authenticator) Authenticate(remote, credential string) error {
	switch a.method {
	case AuthMethodNone, AuthMethodCertificate:
		return nil
	}

	if len(credential) > MaxTokenLen {
		return ErrTokenTooLong
	}

	a.mu.Lock()
	f := a.failures[remote]
	if f != nil && a.now().Before(f.lockedUntil) {
		a.mu.Unlock()
		return fmt.Errorf("%w: retry after %s", ErrAuthLockedOut, time.Until(f.lockedUntil).Round(time.Second))
	}
	a.mu.Unlock()

	credHash := sha256.Sum256([]byte(credential))
	if !a.hasToken || subtle.ConstantTimeCompare(credHash[:], a.tokenHash[:]) != 1 {
		a.recordFailure(remote)
		return ErrAuthFailed
	}

	a.mu.Lock()
	delete(a.failures, remote)
	a.mu.Unlock()
	return nil
}

// AttemptsLeft retorna quantas tentativas restam para a origem antes do
// lockout (para o campo attemptsLeft do AuthResponse).
func (a *Authenticator) AttemptsLeft(remote string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	f := a.failures[remote]
	if f == nil {
		return a.maxFailures
	}
	left := a.maxFailures - f.count
	if left < 0 {
		return 0
	}
	return left
}

func (a *Authenticator) recordFailure(remote string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f := a.failures[remote]
	if f == nil {
		f = &authFailures{}
		a.failures[remote] = f
	}
	f.count++
	if f.count >= a.maxFailures {
		f.lockedUntil = a.now().Add(a.lockout)
	}
}
