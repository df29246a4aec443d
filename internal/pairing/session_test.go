// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pairing

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/terminox/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "devices.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewManager(store, testLogger()), store
}

// runExchange leva o pairing até AWAITING_VERIFICATION e retorna o lado
// móvel para as asserções de simetria.
func runExchange(t *testing.T, m *Manager, deviceID string) (*Session, *KeyPair) {
	t.Helper()
	s, err := m.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	mobile, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	mobilePub, _ := mobile.PublicKeyB64()

	got, err := m.ProcessMobileKey(s.ID, deviceID, "Pixel 9", mobilePub)
	if err != nil {
		t.Fatalf("ProcessMobileKey: %v", err)
	}
	if got.State != protocol.PairingStateAwaitingVerification {
		t.Fatalf("state = %d, want awaiting verification", got.State)
	}
	return got, mobile
}

func TestPairing_HappyPathWithRevoke(t *testing.T) {
	m, store := newTestManager(t)
	s, mobile := runExchange(t, m, "device-1")

	// O código nunca cruza o wire; os dois lados derivam o mesmo valor.
	agentPub, err := m.AgentPublicKey(s.ID)
	if err != nil {
		t.Fatalf("AgentPublicKey: %v", err)
	}
	mobileSecret, err := mobile.SharedSecret(agentPub)
	if err != nil {
		t.Fatalf("mobile SharedSecret: %v", err)
	}
	agentCode, err := m.Code(s.ID)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if mobileCode := VerificationCode(mobileSecret); mobileCode != agentCode {
		t.Fatalf("codes diverge: agent %q mobile %q", agentCode, mobileCode)
	}

	device, err := m.Confirm(s.ID, true)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if device.ID != "device-1" || device.Name != "Pixel 9" {
		t.Errorf("device = %+v", device)
	}
	if err := store.IsTrusted("device-1"); err != nil {
		t.Fatalf("IsTrusted after pairing: %v", err)
	}

	// A chave de sessão continua disponível após COMPLETED.
	if _, err := m.SessionKey(s.ID); err != nil {
		t.Errorf("SessionKey after completion: %v", err)
	}

	if err := store.Revoke("device-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := store.IsTrusted("device-1"); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("after revoke: expected ErrDeviceRevoked, got %v", err)
	}
	// Soft delete: o registro continua listável.
	if got, err := store.Get("device-1"); err != nil || got.Status != DeviceRevoked || got.RevokedAt == nil {
		t.Errorf("revoked record = %+v, err %v", got, err)
	}
}

func TestPairing_UserRejection(t *testing.T) {
	m, store := newTestManager(t)
	s, _ := runExchange(t, m, "device-2")

	if _, err := m.Confirm(s.ID, false); !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
	if _, err := store.Get("device-2"); !errors.Is(err, ErrDeviceNotFound) {
		t.Error("rejected device was persisted")
	}
	// A sessão cancelada não aceita nova confirmação.
	if _, err := m.Confirm(s.ID, true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("confirm after cancel: expected ErrInvalidState, got %v", err)
	}
}

func TestPairing_Expiry(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(DefaultPairingExpiry + time.Minute) }

	mobile, _ := GenerateKeyPair()
	mobilePub, _ := mobile.PublicKeyB64()
	if _, err := m.ProcessMobileKey(s.ID, "late", "Late", mobilePub); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestPairing_InvalidKeyCountsAsFailure(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if _, err := m.ProcessMobileKey(s.ID, "dev", "Dev", "garbage!!"); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestPairing_AlreadyPaired(t *testing.T) {
	m, store := newTestManager(t)
	if err := store.Add(Device{ID: "dup", Name: "Dup", PairedAt: time.Now(), Status: DeviceTrusted}); err != nil {
		t.Fatal(err)
	}

	s, _ := m.Initiate()
	mobile, _ := GenerateKeyPair()
	mobilePub, _ := mobile.PublicKeyB64()
	if _, err := m.ProcessMobileKey(s.ID, "dup", "Dup", mobilePub); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("expected ErrAlreadyPaired, got %v", err)
	}
}

func TestPairing_CancelAndSweep(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := m.Initiate()

	if err := m.Cancel(s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if removed := m.SweepExpired(); removed != 1 {
		t.Errorf("SweepExpired removed %d, want 1", removed)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrPairingNotFound) {
		t.Errorf("after sweep: expected ErrPairingNotFound, got %v", err)
	}
}

func TestRateLimiter_WindowAndLockout(t *testing.T) {
	rl := NewRateLimiter()
	base := time.Now()
	now := base
	rl.now = func() time.Time { return now }

	for i := 0; i < DefaultMaxAttemptsPerWindow; i++ {
		if dec := rl.Check("dev"); !dec.Allowed {
			t.Fatalf("attempt %d unexpectedly denied", i+1)
		}
	}
	dec := rl.Check("dev")
	if dec.Allowed {
		t.Fatal("sixth attempt within window was allowed")
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > DefaultAttemptWindow {
		t.Errorf("RetryAfter = %s", dec.RetryAfter)
	}

	// Fora da janela volta a permitir.
	now = base.Add(DefaultAttemptWindow + time.Second)
	if dec := rl.Check("dev"); !dec.Allowed {
		t.Fatalf("attempt after window denied: %+v", dec)
	}

	// Lockout após falhas acumuladas.
	for i := 0; i < DefaultLockoutFailures; i++ {
		rl.RecordFailure("dev")
	}
	dec = rl.Check("dev")
	if !dec.LockedOut {
		t.Fatalf("expected lockout, got %+v", dec)
	}

	// Sucesso limpa tudo.
	rl.RecordSuccess("dev")
	now = now.Add(DefaultAttemptWindow + time.Second)
	if dec := rl.Check("dev"); !dec.Allowed {
		t.Errorf("after success: %+v", dec)
	}
}

func TestRateLimiter_ExponentialBackoff(t *testing.T) {
	rl := NewRateLimiter()

	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, DefaultBackoffCap},
		{20, DefaultBackoffCap},
	}
	for _, tt := range tests {
		if got := rl.backoffFor(tt.consecutive); got != tt.want {
			t.Errorf("backoffFor(%d) = %s, want %s", tt.consecutive, got, tt.want)
		}
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Add(Device{ID: "a", Name: "A", PairedAt: time.Now(), Status: DeviceTrusted}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Touch("a"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get("a")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Name != "A" || got.LastSeen.IsZero() {
		t.Errorf("device = %+v", got)
	}
	if got.Status != DeviceTrusted {
		t.Errorf("persisted status = %q, want %q", got.Status, DeviceTrusted)
	}
	if list := reopened.List(); len(list) != 1 {
		t.Errorf("List = %d devices, want 1", len(list))
	}
	if err := reopened.Revoke("missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Revoke missing: expected ErrDeviceNotFound, got %v", err)
	}
}

func TestStore_StatusSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Add(Device{ID: "s", Name: "S", PairedAt: time.Now(), Status: DeviceTrusted}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store file: %v", err)
	}
	if !strings.Contains(string(raw), `"status": "trusted"`) {
		t.Fatalf("persisted schema missing trusted status: %s", raw)
	}

	if err := store.Revoke("s"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	raw, _ = os.ReadFile(path)
	if !strings.Contains(string(raw), `"status": "revoked"`) {
		t.Fatalf("persisted schema missing revoked status: %s", raw)
	}

	// Registro gravado sem o campo status carrega como confiável.
	legacyPath := filepath.Join(t.TempDir(), "legacy.json")
	legacy := `{"version":1,"devices":[{"id":"old","name":"Old","pairedAt":"2026-01-01T00:00:00Z","lastSeen":"2026-01-01T00:00:00Z"}]}`
	if err := os.WriteFile(legacyPath, []byte(legacy), 0o600); err != nil {
		t.Fatalf("writing legacy store: %v", err)
	}
	reopened, err := NewStore(legacyPath)
	if err != nil {
		t.Fatalf("opening legacy store: %v", err)
	}
	if err := reopened.IsTrusted("old"); err != nil {
		t.Errorf("legacy record without status should be trusted: %v", err)
	}
}
