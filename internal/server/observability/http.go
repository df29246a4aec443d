// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/terminox/internal/compress"
	"github.com/nishisan-dev/terminox/internal/pairing"
	"github.com/nishisan-dev/terminox/internal/session"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// AgentMetrics define a interface read-only que o router precisa do
// server.Handler. Isso desacopla o pacote observability do server sem
// expor o Handler inteiro.
type AgentMetrics interface {
	MetricsSnapshot() MetricsData
}

// MetricsData contém os contadores coletados do Handler.
type MetricsData struct {
	TrafficInBytes  int64
	TrafficOutBytes int64
	ActiveConns     int32
}

// RouterDeps agrega as dependências do control API.
type RouterDeps struct {
	Metrics    AgentMetrics
	Registry   *session.Registry
	Pairing    *pairing.Manager
	Events     *EventStore
	History    *SessionHistoryStore
	Compressor *compress.Compressor
	ACL        *ACL
}

type router struct {
	deps RouterDeps
}

// NewRouter cria o http.Handler do control API (/api/v1).
// Aplica middleware ACL em todas as rotas.
func NewRouter(deps RouterDeps) http.Handler {
	rt := &router{deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", rt.handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", rt.handleMetrics)

	mux.HandleFunc("POST /api/v1/pairing", rt.handlePairingStart)
	mux.HandleFunc("GET /api/v1/pairing/{id}", rt.handlePairingStatus)
	mux.HandleFunc("POST /api/v1/pairing/{id}/confirm", rt.handlePairingConfirm)
	mux.HandleFunc("DELETE /api/v1/pairing/{id}", rt.handlePairingCancel)

	mux.HandleFunc("GET /api/v1/devices", rt.handleDeviceList)
	mux.HandleFunc("DELETE /api/v1/devices/{id}", rt.handleDeviceRevoke)

	mux.HandleFunc("GET /api/v1/sessions", rt.handleSessionList)
	mux.HandleFunc("GET /api/v1/sessions/history", rt.handleSessionHistory)

	mux.HandleFunc("GET /api/v1/events", rt.handleEvents)

	return rt.deps.ACL.Middleware(mux)
}

// handleHealth retorna status do processo, uptime e versão.
func (rt *router) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(startTime).String(),
		"version": Version,
		"go":      runtime.Version(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMetrics agrega contadores do handler, o estado do compressor
// adaptativo e estatísticas do host.
func (rt *router) handleMetrics(w http.ResponseWriter, r *http.Request) {
	data := rt.deps.Metrics.MetricsSnapshot()
	resp := map[string]interface{}{
		"traffic_in_bytes":  data.TrafficInBytes,
		"traffic_out_bytes": data.TrafficOutBytes,
		"active_conns":      data.ActiveConns,
		"sessions":          rt.deps.Registry.LiveCount(),
		"goroutines":        runtime.NumGoroutine(),
	}

	if c := rt.deps.Compressor; c != nil {
		resp["link_throughput_bps"] = c.Throughput()
		resp["compression_level"] = c.Level()
	}

	// Estatísticas do host são best-effort: plataformas sem suporte
	// simplesmente omitem os campos.
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["mem_used_percent"] = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		resp["load1"] = avg.Load1
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePairingStart abre uma sessão de pairing e devolve a chave pública
// do agent para entrega out-of-band (QR code) ao dispositivo.
func (rt *router) handlePairingStart(w http.ResponseWriter, r *http.Request) {
	// O body é opcional; deviceName definitivo chega junto com a chave do
	// dispositivo no wire.
	var body struct {
		DeviceName string `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	s, err := rt.deps.Pairing.Initiate()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("initiating pairing: "+err.Error()))
		return
	}

	pubKey, err := rt.deps.Pairing.AgentPublicKey(s.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("exporting agent key: "+err.Error()))
		return
	}

	status := NewPairingStatus(s, "")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"pairing":          status,
		"agent_public_key": pubKey,
	})
}

// handlePairingStatus retorna o estado corrente; o código de verificação
// só aparece enquanto o pairing aguarda a confirmação do usuário.
func (rt *router) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := rt.deps.Pairing.Get(id)
	if err != nil {
		writePairingError(w, err)
		return
	}

	code := ""
	if c, err := rt.deps.Pairing.Code(id); err == nil {
		code = c
	}
	writeJSON(w, http.StatusOK, NewPairingStatus(s, code))
}

// handlePairingConfirm consolida (ou rejeita) o pairing após o usuário
// comparar o código de verificação com o exibido no dispositivo.
func (rt *router) handlePairingConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	device, err := rt.deps.Pairing.Confirm(id, body.Confirmed)
	if err != nil {
		if errors.Is(err, pairing.ErrUserRejected) {
			// Rejeição é um desfecho válido da operação, não um erro HTTP.
			writeJSON(w, http.StatusOK, map[string]interface{}{"result": "rejected"})
			return
		}
		writePairingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": "paired",
		"device": NewDeviceSummary(*device),
	})
}

// handlePairingCancel aborta uma sessão de pairing em andamento.
func (rt *router) handlePairingCancel(w http.ResponseWriter, r *http.Request) {
	if err := rt.deps.Pairing.Cancel(r.PathValue("id")); err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": "cancelled"})
}

// handleDeviceList retorna todos os dispositivos emparelhados, inclusive
// os revogados (a revogação é visível, não apagada).
func (rt *router) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	devices := rt.deps.Pairing.Store().List()
	out := make([]DeviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, NewDeviceSummary(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeviceRevoke revoga a confiança de um dispositivo emparelhado.
func (rt *router) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.deps.Pairing.Store().Revoke(id); err != nil {
		if errors.Is(err, pairing.ErrDeviceNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("device not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": "revoked"})
}

// handleSessionList retorna as sessões vivas do registry.
func (rt *router) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions := rt.deps.Registry.AllSessions()
	out := make([]SessionSummary, 0, len(sessions))
	for _, ms := range sessions {
		out = append(out, NewSessionSummary(ms))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSessionHistory retorna as sessões finalizadas mais recentes.
func (rt *router) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.deps.History.Recent(parseLimit(r, 100)))
}

// handleEvents retorna os eventos operacionais mais recentes.
func (rt *router) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.deps.Events.Recent(parseLimit(r, 100)))
}

// parseLimit lê ?limit= com default e teto de 1000.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}

// writePairingError mapeia os erros do pairing.Manager em status HTTP.
func writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrPairingNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("pairing session not found"))
	case errors.Is(err, pairing.ErrSessionExpired):
		writeJSON(w, http.StatusGone, errorBody("pairing session expired"))
	case errors.Is(err, pairing.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorBody("pairing session is not in a state that allows this operation"))
	case errors.Is(err, pairing.ErrAlreadyPaired):
		writeJSON(w, http.StatusConflict, errorBody("device already paired"))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
