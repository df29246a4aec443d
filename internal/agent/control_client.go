// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nishisan-dev/terminox/internal/config"
)

// pollInterval é o intervalo de polling do estado do pairing.
const pollInterval = 2 * time.Second

// controlClient fala com o daemon local via loopback (health e control API).
type controlClient struct {
	base   string
	client *http.Client
}

// newControlClient monta o client apontando para o daemon configurado.
// O endereço é sempre loopback: o CLI conversa com o daemon da própria
// máquina, independente do bind configurado.
func newControlClient(cfg *config.AgentConfig) (*controlClient, error) {
	_, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("parsing server.listen: %w", err)
	}

	scheme := "http"
	transport := &http.Transport{}
	if cfg.TLS.Enabled {
		scheme = "https"
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CACert != "" {
			pem, err := os.ReadFile(cfg.TLS.CACert)
			if err != nil {
				return nil, fmt.Errorf("reading tls.ca_cert: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("tls.ca_cert has no valid certificates")
			}
			tlsCfg.RootCAs = pool
		} else {
			// Sem CA configurada o certificado do agent é tipicamente
			// self-signed; a conexão fica restrita ao loopback.
			tlsCfg.InsecureSkipVerify = true
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &controlClient{
		base:   fmt.Sprintf("%s://127.0.0.1:%s", scheme, port),
		client: &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}, nil
}

func (c *controlClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *controlClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST %s: unexpected status %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RunHealthCheck consulta GET /health do daemon local e imprime o status.
func RunHealthCheck(cfg *config.AgentConfig) error {
	client, err := newControlClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var health struct {
		Status string `json:"status"`
	}
	if err := client.getJSON(ctx, "/health", &health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	var info struct {
		Version     string `json:"version"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		UptimeS     int64  `json:"uptime_s"`
	}
	if err := client.getJSON(ctx, "/info", &info); err != nil {
		return fmt.Errorf("reading agent info: %w", err)
	}

	fmt.Printf("Agent status: %s\n", strings.ToUpper(health.Status))
	fmt.Printf("Version:      %s\n", info.Version)
	fmt.Printf("Connections:  %d\n", info.Connections)
	fmt.Printf("Sessions:     %d\n", info.Sessions)
	fmt.Printf("Uptime:       %s\n", (time.Duration(info.UptimeS) * time.Second).String())
	return nil
}

// pairingStatusDTO espelha o PairingStatus do control API.
type pairingStatusDTO struct {
	PairingID         string `json:"pairing_id"`
	State             string `json:"state"`
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
	AgentFingerprint  string `json:"agent_fingerprint"`
	MobileFingerprint string `json:"mobile_fingerprint"`
	Code              string `json:"code"`
	ExpiresAt         string `json:"expires_at"`
}

// RunPairing conduz o fluxo interativo de pareamento contra o daemon em
// execução: inicia a sessão, espera o dispositivo entregar a chave, exibe
// o código de verificação e pede a confirmação do operador.
func RunPairing(cfg *config.AgentConfig, deviceName string) error {
	client, err := newControlClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var created struct {
		Pairing        pairingStatusDTO `json:"pairing"`
		AgentPublicKey string           `json:"agent_public_key"`
	}
	body := map[string]string{}
	if deviceName != "" {
		body["device_name"] = deviceName
	}
	if err := client.postJSON(ctx, "/api/v1/pairing", body, &created); err != nil {
		return fmt.Errorf("initiating pairing (is the daemon running?): %w", err)
	}

	fmt.Printf("Pairing session:   %s\n", created.Pairing.PairingID)
	fmt.Printf("Agent fingerprint: %s\n", created.Pairing.AgentFingerprint)
	fmt.Printf("Expires at:        %s\n", created.Pairing.ExpiresAt)
	fmt.Println()
	fmt.Println("Enter this key on the device (or scan it as a QR payload):")
	fmt.Println(created.AgentPublicKey)
	fmt.Println()
	fmt.Println("Waiting for the device to connect...")

	// Espera a chave do dispositivo chegar via wire
	var status pairingStatusDTO
	for {
		if err := client.getJSON(ctx, "/api/v1/pairing/"+created.Pairing.PairingID, &status); err != nil {
			return fmt.Errorf("polling pairing state: %w", err)
		}

		switch status.State {
		case "awaiting_key":
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		case "awaiting_verification":
		case "expired":
			return fmt.Errorf("pairing session expired before the device connected")
		case "cancelled":
			return fmt.Errorf("pairing session was cancelled")
		default:
			return fmt.Errorf("unexpected pairing state %q", status.State)
		}
		break
	}

	fmt.Println()
	fmt.Printf("Device:             %s (%s)\n", status.DeviceName, status.DeviceID)
	fmt.Printf("Device fingerprint: %s\n", status.MobileFingerprint)
	fmt.Printf("Verification code:  %s\n", status.Code)
	fmt.Println()
	fmt.Print("Does this code match the one shown on the device? [y/N]: ")

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	confirmed := strings.EqualFold(strings.TrimSpace(answer), "y")

	var result struct {
		Result string `json:"result"`
		Device struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"device"`
	}
	confirmBody := map[string]bool{"confirmed": confirmed}
	if err := client.postJSON(ctx, "/api/v1/pairing/"+created.Pairing.PairingID+"/confirm", confirmBody, &result); err != nil {
		return fmt.Errorf("confirming pairing: %w", err)
	}

	if result.Result == "paired" {
		fmt.Printf("\nDevice %q paired successfully.\n", result.Device.Name)
		return nil
	}
	fmt.Println("\nPairing rejected.")
	return nil
}
