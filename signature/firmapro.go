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
	firmaProName           = "FirmaPro"
	firmaProDefaultBaseURL = "https://api.firmapro.cl/v3"
	firmaProTimeout        = 10 * time.Second
)

// FirmaProConfig carries the vendor credentials.
type FirmaProConfig struct {
	APIKey        string
	APISecret     string
	CertificateID string
	BaseURL       string
}

// FirmaPro is an advanced-signature vendor specialised in rental contracts.
// Its API speaks in envelopes rather than sessions; the envelope id doubles
// as the session id here.
type FirmaPro struct {
	cfg  FirmaProConfig
	http *http.Client
}

func NewFirmaPro(cfg FirmaProConfig) *FirmaPro {
	if cfg.BaseURL == "" {
		cfg.BaseURL = firmaProDefaultBaseURL
	}
	return &FirmaPro{
		cfg:  cfg,
		http: &http.Client{Timeout: firmaProTimeout},
	}
}

func (f *FirmaPro) Name() string { return firmaProName }

func (f *FirmaPro) CreateSession(ctx context.Context, documentID string, signers []Signer) (ProviderSession, error) {
	type party struct {
		Email    string `json:"email"`
		FullName string `json:"full_name"`
		Role     string `json:"role"`
		Sequence int    `json:"sequence"`
	}
	parties := make([]party, 0, len(signers))
	for _, s := range signers {
		parties = append(parties, party{
			Email:    s.Email,
			FullName: s.Name,
			Role:     string(s.Role),
			Sequence: s.Order,
		})
	}

	payload := map[string]any{
		"document_id": documentID,
		"category":    "ARRIENDO_INMUEBLE",
		"certificate": f.cfg.CertificateID,
		"parties":     parties,
	}

	var out struct {
		EnvelopeID string `json:"envelope_id"`
		SigningURL string `json:"signing_url"`
	}
	if err := f.do(ctx, http.MethodPost, "/envelopes", payload, &out); err != nil {
		return ProviderSession{}, err
	}
	if out.EnvelopeID == "" {
		return ProviderSession{}, &ProviderError{Provider: firmaProName, Kind: ProviderRejected, Cause: fmt.Errorf("empty envelope id in response")}
	}
	return ProviderSession{SessionID: out.EnvelopeID, DocumentURL: out.SigningURL}, nil
}

func (f *FirmaPro) FetchStatus(ctx context.Context, sessionID string) (ProviderStatus, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := f.do(ctx, http.MethodGet, "/envelopes/"+sessionID, nil, &out); err != nil {
		return "", err
	}
	return mapFirmaProState(out.State), nil
}

func (f *FirmaPro) CancelSession(ctx context.Context, sessionID string) error {
	return f.do(ctx, http.MethodPost, "/envelopes/"+sessionID+"/void", nil, nil)
}

func mapFirmaProState(state string) ProviderStatus {
	switch state {
	case "draft", "awaiting":
		return ProviderStatusPending
	case "partially_signed":
		return ProviderStatusInProgress
	case "completed":
		return ProviderStatusCompleted
	case "declined":
		return ProviderStatusRejected
	case "expired":
		return ProviderStatusExpired
	case "voided":
		return ProviderStatusCancelled
	default:
		return ProviderStatusPending
	}
}

func (f *FirmaPro) do(ctx context.Context, method, path string, body any, out any) error {
	raw := []byte(nil)
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("signature: firmapro marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, f.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("signature: firmapro build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	req.Header.Set("X-Client-Secret", f.cfg.APISecret)

	resp, err := f.http.Do(req)
	if err != nil {
		return &ProviderError{Provider: firmaProName, Kind: ProviderUnavailable, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &ProviderError{Provider: firmaProName, Kind: ProviderNotFound, Cause: fmt.Errorf("%s %s: status 404", method, path)}
	case resp.StatusCode >= 500:
		return &ProviderError{Provider: firmaProName, Kind: ProviderUnavailable, Cause: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &ProviderError{Provider: firmaProName, Kind: ProviderRejected, Cause: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ProviderError{Provider: firmaProName, Kind: ProviderRejected, Cause: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
