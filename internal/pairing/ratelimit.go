// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pairing

import (
	"sync"
	"time"
)

// Parâmetros do rate limit de pairing.
const (
	DefaultMaxAttemptsPerWindow = 5
	DefaultAttemptWindow        = 60 * time.Second
	DefaultBackoffBase          = time.Second
	DefaultBackoffCap           = 300 * time.Second
	DefaultLockoutFailures      = 10
	DefaultLockoutWindow        = time.Hour
)

// Decision é o resultado de uma consulta ao limiter.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	LockedOut  bool
}

type remoteState struct {
	attempts    []time.Time // tentativas dentro da janela corrente
	failures    []time.Time // falhas dentro da janela de lockout
	consecutive int         // falhas consecutivas (zera no sucesso)
	lockedUntil time.Time
}

// RateLimiter limita tentativas de pairing por origem: janela deslizante
// de tentativas, backoff exponencial por falha consecutiva e lockout após
// falhas repetidas.
type RateLimiter struct {
	maxPerWindow    int
	window          time.Duration
	backoffBase     time.Duration
	backoffCap      time.Duration
	lockoutFailures int
	lockoutWindow   time.Duration

	mu      sync.Mutex
	remotes map[string]*remoteState
	now     func() time.Time
}

// NewRateLimiter cria o limiter com os defaults do produto.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		maxPerWindow:    DefaultMaxAttemptsPerWindow,
		window:          DefaultAttemptWindow,
		backoffBase:     DefaultBackoffBase,
		backoffCap:      DefaultBackoffCap,
		lockoutFailures: DefaultLockoutFailures,
		lockoutWindow:   DefaultLockoutWindow,
		remotes:         make(map[string]*remoteState),
		now:             time.Now,
	}
}

// Check consulta e registra uma tentativa da origem. Retorna a decisão;
// quando negada, RetryAfter indica quando tentar de novo.
func (rl *RateLimiter) Check(remote string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st := rl.remotes[remote]
	if st == nil {
		st = &remoteState{}
		rl.remotes[remote] = st
	}

	if now.Before(st.lockedUntil) {
		return Decision{LockedOut: true, RetryAfter: st.lockedUntil.Sub(now)}
	}

	st.attempts = pruneBefore(st.attempts, now.Add(-rl.window))
	if len(st.attempts) >= rl.maxPerWindow {
		oldest := st.attempts[0]
		return Decision{RetryAfter: oldest.Add(rl.window).Sub(now)}
	}

	if st.consecutive > 0 {
		wait := rl.backoffFor(st.consecutive)
		var last time.Time
		if len(st.failures) > 0 {
			last = st.failures[len(st.failures)-1]
		}
		if until := last.Add(wait); now.Before(until) {
			return Decision{RetryAfter: until.Sub(now)}
		}
	}

	st.attempts = append(st.attempts, now)
	return Decision{Allowed: true}
}

// RecordFailure registra uma falha de verificação da origem e aplica o
// lockout quando o limite é cruzado.
func (rl *RateLimiter) RecordFailure(remote string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st := rl.remotes[remote]
	if st == nil {
		st = &remoteState{}
		rl.remotes[remote] = st
	}
	st.consecutive++
	st.failures = pruneBefore(append(st.failures, now), now.Add(-rl.lockoutWindow))
	if len(st.failures) >= rl.lockoutFailures {
		st.lockedUntil = now.Add(rl.lockoutWindow)
	}
}

// RecordSuccess descarta todo o estado da origem: janela de tentativas,
// backoff e lockout.
func (rl *RateLimiter) RecordSuccess(remote string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.remotes, remote)
}

// backoffFor calcula base·2^(n−1) limitado ao cap.
func (rl *RateLimiter) backoffFor(consecutive int) time.Duration {
	wait := rl.backoffBase
	for i := 1; i < consecutive; i++ {
		wait *= 2
		if wait >= rl.backoffCap {
			return rl.backoffCap
		}
	}
	if wait > rl.backoffCap {
		return rl.backoffCap
	}
	return wait
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
