package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	trustFactoryName           = "TrustFactory"
	trustFactoryDefaultBaseURL = "https://api.trustfactory.cl/v2"
	trustFactoryTimeout        = 10 * time.Second
)

// TrustFactoryConfig carries the vendor credentials, read from the
// environment by the caller.
type TrustFactoryConfig struct {
	APIKey        string
	APISecret     string
	CertificateID string
	BaseURL       string
}

// TrustFactory is a qualified-signature vendor client. All calls are bounded
// by the client timeout; transport failures map to ProviderUnavailable.
type TrustFactory struct {
	cfg  TrustFactoryConfig
	http *http.Client
}

func NewTrustFactory(cfg TrustFactoryConfig) *TrustFactory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = trustFactoryDefaultBaseURL
	}
	return &TrustFactory{
		cfg:  cfg,
		http: &http.Client{Timeout: trustFactoryTimeout},
	}
}

func (t *TrustFactory) Name() string { return trustFactoryName }

type trustFactorySignerPayload struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Order    int    `json:"order"`
	Required bool   `json:"required"`
}

func (t *TrustFactory) CreateSession(ctx context.Context, documentID string, signers []Signer) (ProviderSession, error) {
	list := make([]trustFactorySignerPayload, 0, len(signers))
	for _, s := range signers {
		list = append(list, trustFactorySignerPayload{
			Email:    s.Email,
			Name:     s.Name,
			Role:     string(s.Role),
			Order:    s.Order,
			Required: true,
		})
	}
	payload := map[string]any{
		"document": map[string]any{
			"id":   documentID,
			"type": "REAL_ESTATE_CONTRACT",
		},
		"certificate_id": t.cfg.CertificateID,
		"signers":        list,
	}

	var out struct {
		SessionID   string `json:"session_id"`
		DocumentURL string `json:"document_url"`
	}
	if err := t.do(ctx, http.MethodPost, "/signatures", payload, &out); err != nil {
		return ProviderSession{}, err
	}
	if out.SessionID == "" {
		return ProviderSession{}, &ProviderError{Provider: trustFactoryName, Kind: ProviderRejected, Cause: fmt.Errorf("empty session id in response")}
	}
	return ProviderSession{SessionID: out.SessionID, DocumentURL: out.DocumentURL}, nil
}

func (t *TrustFactory) FetchStatus(ctx context.Context, sessionID string) (ProviderStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := t.do(ctx, http.MethodGet, "/signatures/"+sessionID, nil, &out); err != nil {
		return "", err
	}
	return mapTrustFactoryStatus(out.Status), nil
}

func (t *TrustFactory) CancelSession(ctx context.Context, sessionID string) error {
	return t.do(ctx, http.MethodDelete, "/signatures/"+sessionID, nil, nil)
}

func mapTrustFactoryStatus(vendor string) ProviderStatus {
	switch vendor {
	case "PENDING", "CREATED":
		return ProviderStatusPending
	case "IN_PROGRESS", "PARTIALLY_SIGNED":
		return ProviderStatusInProgress
	case "COMPLETED", "SIGNED":
		return ProviderStatusCompleted
	case "REJECTED", "DECLINED":
		return ProviderStatusRejected
	case "EXPIRED":
		return ProviderStatusExpired
	case "CANCELLED":
		return ProviderStatusCancelled
	default:
		return ProviderStatusPending
	}
}

func (t *TrustFactory) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("signature: trustfactory marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("signature: trustfactory build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", t.cfg.APIKey)
	req.Header.Set("X-Api-Secret", t.cfg.APISecret)

	resp, err := t.http.Do(req)
	if err != nil {
		return &ProviderError{Provider: trustFactoryName, Kind: ProviderUnavailable, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &ProviderError{Provider: trustFactoryName, Kind: ProviderNotFound, Cause: fmt.Errorf("%s %s: status 404", method, path)}
	case resp.StatusCode >= 500:
		return &ProviderError{Provider: trustFactoryName, Kind: ProviderUnavailable, Cause: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &ProviderError{Provider: trustFactoryName, Kind: ProviderRejected, Cause: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ProviderError{Provider: trustFactoryName, Kind: ProviderRejected, Cause: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
