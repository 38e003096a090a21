package signature

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testSigners() []Signer {
	return []Signer{
		{ID: "s1", Role: RoleTenant, Email: "tenant@example.com", Name: "Tenant One", Order: 1},
		{ID: "s2", Role: RoleOwner, Email: "owner@example.com", Name: "Owner One", Order: 2},
	}
}

func TestTrustFactoryCreateSession_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"session_id":   "tf-123",
			"document_url": "https://sign.trustfactory.cl/s/tf-123",
		})
	}))
	defer srv.Close()

	provider := NewTrustFactory(TrustFactoryConfig{
		APIKey:        "key-1",
		APISecret:     "secret-1",
		CertificateID: "cert-1",
		BaseURL:       srv.URL,
	})

	session, err := provider.CreateSession(context.Background(), "doc-1", testSigners())
	if err != nil {
		t.Fatalf("expected session, got %v", err)
	}

	if session.SessionID != "tf-123" || session.DocumentURL != "https://sign.trustfactory.cl/s/tf-123" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if gotPath != "POST /signatures" {
		t.Fatalf("unexpected request: %s", gotPath)
	}
	if gotKey != "key-1" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotBody["certificate_id"] != "cert-1" {
		t.Fatalf("expected certificate in payload, got %+v", gotBody)
	}
	signers, ok := gotBody["signers"].([]any)
	if !ok || len(signers) != 2 {
		t.Fatalf("expected 2 signers in payload, got %+v", gotBody["signers"])
	}
}

func TestTrustFactoryCreateSession_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	provider := NewTrustFactory(TrustFactoryConfig{BaseURL: srv.URL})

	_, err := provider.CreateSession(context.Background(), "doc-1", testSigners())
	if !IsProviderUnavailable(err) {
		t.Fatalf("expected retryable unavailable error, got %v", err)
	}
}

func TestTrustFactoryCreateSession_ConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately, so the port refuses connections

	provider := NewTrustFactory(TrustFactoryConfig{BaseURL: srv.URL})

	_, err := provider.CreateSession(context.Background(), "doc-1", testSigners())
	if !IsProviderUnavailable(err) {
		t.Fatalf("expected unavailable on transport failure, got %v", err)
	}
}

func TestTrustFactoryCreateSession_BadRequestIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	provider := NewTrustFactory(TrustFactoryConfig{BaseURL: srv.URL})

	_, err := provider.CreateSession(context.Background(), "doc-1", testSigners())
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != ProviderRejected {
		t.Fatalf("expected rejected provider error, got %v", err)
	}
	if IsProviderUnavailable(err) {
		t.Fatal("a 4xx must not be classified as retryable")
	}
}

func TestTrustFactoryCreateSession_EmptySessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"document_url": "https://example.com"})
	}))
	defer srv.Close()

	provider := NewTrustFactory(TrustFactoryConfig{BaseURL: srv.URL})

	_, err := provider.CreateSession(context.Background(), "doc-1", testSigners())
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != ProviderRejected {
		t.Fatalf("expected rejected on empty session id, got %v", err)
	}
}

func TestTrustFactoryFetchStatus_MapsVendorStates(t *testing.T) {
	cases := map[string]ProviderStatus{
		"PENDING":          ProviderStatusPending,
		"PARTIALLY_SIGNED": ProviderStatusInProgress,
		"COMPLETED":        ProviderStatusCompleted,
		"DECLINED":         ProviderStatusRejected,
		"EXPIRED":          ProviderStatusExpired,
		"CANCELLED":        ProviderStatusCancelled,
		"SOMETHING_NEW":    ProviderStatusPending,
	}

	var vendorStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": vendorStatus})
	}))
	defer srv.Close()

	provider := NewTrustFactory(TrustFactoryConfig{BaseURL: srv.URL})

	for vendor, want := range cases {
		vendorStatus = vendor
		got, err := provider.FetchStatus(context.Background(), "tf-123")
		if err != nil {
			t.Fatalf("%s: unexpected error %v", vendor, err)
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", vendor, want, got)
		}
	}
}

func TestTrustFactoryFetchStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	provider := NewTrustFactory(TrustFactoryConfig{BaseURL: srv.URL})

	_, err := provider.FetchStatus(context.Background(), "ghost")
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != ProviderNotFound {
		t.Fatalf("expected not found provider error, got %v", err)
	}
}

func TestTrustFactoryCancelSession(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
	}))
	defer srv.Close()

	provider := NewTrustFactory(TrustFactoryConfig{BaseURL: srv.URL})

	if err := provider.CancelSession(context.Background(), "tf-123"); err != nil {
		t.Fatalf("expected cancel to succeed, got %v", err)
	}
	if gotPath != "DELETE /signatures/tf-123" {
		t.Fatalf("unexpected request: %s", gotPath)
	}
}

func TestFirmaProCreateSession_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"envelope_id": "env-9",
			"signing_url": "https://app.firmapro.cl/e/env-9",
		})
	}))
	defer srv.Close()

	provider := NewFirmaPro(FirmaProConfig{
		APIKey:        "token-1",
		APISecret:     "secret-1",
		CertificateID: "cert-9",
		BaseURL:       srv.URL,
	})

	session, err := provider.CreateSession(context.Background(), "doc-1", testSigners())
	if err != nil {
		t.Fatalf("expected session, got %v", err)
	}

	if session.SessionID != "env-9" || session.DocumentURL != "https://app.firmapro.cl/e/env-9" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if gotPath != "POST /envelopes" {
		t.Fatalf("unexpected request: %s", gotPath)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	parties, ok := gotBody["parties"].([]any)
	if !ok || len(parties) != 2 {
		t.Fatalf("expected 2 parties in payload, got %+v", gotBody["parties"])
	}
	first, _ := parties[0].(map[string]any)
	if first["sequence"] != float64(1) || first["full_name"] != "Tenant One" {
		t.Fatalf("unexpected first party: %+v", first)
	}
}

func TestFirmaProFetchStatus_MapsVendorStates(t *testing.T) {
	cases := map[string]ProviderStatus{
		"awaiting":         ProviderStatusPending,
		"partially_signed": ProviderStatusInProgress,
		"completed":        ProviderStatusCompleted,
		"declined":         ProviderStatusRejected,
		"expired":          ProviderStatusExpired,
		"voided":           ProviderStatusCancelled,
	}

	var vendorState string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"state": vendorState})
	}))
	defer srv.Close()

	provider := NewFirmaPro(FirmaProConfig{BaseURL: srv.URL})

	for vendor, want := range cases {
		vendorState = vendor
		got, err := provider.FetchStatus(context.Background(), "env-9")
		if err != nil {
			t.Fatalf("%s: unexpected error %v", vendor, err)
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", vendor, want, got)
		}
	}
}

func TestFirmaProCancelSession_Voids(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
	}))
	defer srv.Close()

	provider := NewFirmaPro(FirmaProConfig{BaseURL: srv.URL})

	if err := provider.CancelSession(context.Background(), "env-9"); err != nil {
		t.Fatalf("expected void to succeed, got %v", err)
	}
	if gotPath != "POST /envelopes/env-9/void" {
		t.Fatalf("unexpected request: %s", gotPath)
	}
}

func TestProviderRegistry(t *testing.T) {
	tf := NewTrustFactory(TrustFactoryConfig{})
	fp := NewFirmaPro(FirmaProConfig{})
	registry := NewProviderRegistry(tf, fp)

	got, err := registry.Get("TrustFactory")
	if err != nil || got != tf {
		t.Fatalf("expected TrustFactory, got %v (%v)", got, err)
	}

	if _, err := registry.Get("DocuSign"); !errors.Is(err, ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}

	names := registry.Names()
	if len(names) != 2 || names[0] != "FirmaPro" || names[1] != "TrustFactory" {
		t.Fatalf("unexpected names: %v", names)
	}
}
