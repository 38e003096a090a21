package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"rentsign/auth"
	"rentsign/signature"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

// signatureService is the slice of signature.Service the handlers consume.
type signatureService interface {
	Create(ctx context.Context, params signature.CreateParams) (signature.RequestWithSigners, error)
	Send(ctx context.Context, requestID, actorID string) (signature.Request, error)
	RecordSignature(ctx context.Context, params signature.RecordSignatureParams) (signature.RequestWithSigners, error)
	RecordRejection(ctx context.Context, params signature.RecordRejectionParams) (signature.RequestWithSigners, error)
	GetStatus(ctx context.Context, requestID string) (signature.RequestWithSigners, error)
	Cancel(ctx context.Context, requestID, actorID string) (signature.Request, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (string, auth.Role, error)
}

// Server wires HTTP routes to the domain services. Authorization beyond
// token verification is out of scope here; the signature service only uses
// the caller identity for audit attribution.
type Server struct {
	signatureService signatureService
	authService      tokenVerifier
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/signatures", s.requireAuth(s.handleSignatures))
	mux.HandleFunc("/api/signatures/", s.requireAuth(s.handleSignatureDetail))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authService == nil {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

type createSignatureRequest struct {
	DocumentID    string         `json:"documentId"`
	Provider      string         `json:"provider"`
	ExpiresInDays int            `json:"expiresInDays"`
	Metadata      map[string]any `json:"metadata"`
	Signers       []struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
		Email  string `json:"email"`
		Name   string `json:"name"`
		Order  int    `json:"order"`
	} `json:"signers"`
}

func (s *Server) handleSignatures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body createSignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params := signature.CreateParams{
		DocumentID:    body.DocumentID,
		Provider:      body.Provider,
		ExpiresInDays: body.ExpiresInDays,
		Metadata:      body.Metadata,
		ActorID:       callerID(r),
	}
	for _, in := range body.Signers {
		params.Signers = append(params.Signers, signature.SignerInput{
			UserID: in.UserID,
			Role:   signature.Role(in.Role),
			Email:  in.Email,
			Name:   in.Name,
			Order:  in.Order,
		})
	}

	result, err := s.signatureService.Create(r.Context(), params)
	if err != nil {
		writeSignatureError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRequestWithSignersResponse(result))
}

func (s *Server) handleSignatureDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/signatures/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "missing signature id")
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetSignature(w, r, id)
	case action == "" && r.Method == http.MethodPut:
		s.handleSignerAction(w, r, id)
	case action == "send" && r.Method == http.MethodPost:
		s.handleSend(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, id)
	case action == "":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) handleGetSignature(w http.ResponseWriter, r *http.Request, id string) {
	result, err := s.signatureService.GetStatus(r.Context(), id)
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestWithSignersResponse(result))
}

type signerActionRequest struct {
	SignerID string         `json:"signerId"`
	Action   string         `json:"action"`
	Evidence map[string]any `json:"evidence"`
	Reason   string         `json:"reason"`
}

func (s *Server) handleSignerAction(w http.ResponseWriter, r *http.Request, id string) {
	var body signerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var (
		result signature.RequestWithSigners
		err    error
	)
	switch body.Action {
	case "SIGN":
		result, err = s.signatureService.RecordSignature(r.Context(), signature.RecordSignatureParams{
			RequestID: id,
			SignerID:  body.SignerID,
			ActorID:   callerID(r),
			Evidence:  body.Evidence,
		})
	case "REJECT":
		result, err = s.signatureService.RecordRejection(r.Context(), signature.RecordRejectionParams{
			RequestID: id,
			SignerID:  body.SignerID,
			ActorID:   callerID(r),
			Reason:    body.Reason,
		})
	default:
		writeError(w, http.StatusBadRequest, "action must be SIGN or REJECT")
		return
	}
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestWithSignersResponse(result))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, id string) {
	req, err := s.signatureService.Send(r.Context(), id, callerID(r))
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	req, err := s.signatureService.Cancel(r.Context(), id, callerID(r))
	if err != nil {
		writeSignatureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

type signerResponse struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Role       string `json:"role"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Order      int    `json:"order"`
	Status     string `json:"status"`
	SignedAt   string `json:"signedAt,omitempty"`
	RejectedAt string `json:"rejectedAt,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type signatureResponse struct {
	ID          string           `json:"id"`
	DocumentID  string           `json:"documentId"`
	Provider    string           `json:"provider"`
	Status      string           `json:"status"`
	SessionID   string           `json:"sessionId,omitempty"`
	DocumentURL string           `json:"documentUrl,omitempty"`
	ExpiresAt   string           `json:"expiresAt"`
	CreatedAt   string           `json:"createdAt"`
	CompletedAt string           `json:"completedAt,omitempty"`
	Signers     []signerResponse `json:"signers,omitempty"`
}

func toRequestResponse(req signature.Request) signatureResponse {
	resp := signatureResponse{
		ID:         req.ID,
		DocumentID: req.DocumentID,
		Provider:   req.Provider,
		Status:     string(req.Status),
		ExpiresAt:  req.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:  req.CreatedAt.UTC().Format(time.RFC3339),
	}
	if req.SessionID != nil {
		resp.SessionID = *req.SessionID
	}
	if req.DocumentURL != nil {
		resp.DocumentURL = *req.DocumentURL
	}
	if req.CompletedAt != nil {
		resp.CompletedAt = req.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toRequestWithSignersResponse(result signature.RequestWithSigners) signatureResponse {
	resp := toRequestResponse(result.Request)
	for _, signer := range result.Signers {
		sr := signerResponse{
			ID:     signer.ID,
			UserID: signer.UserID,
			Role:   string(signer.Role),
			Email:  signer.Email,
			Name:   signer.Name,
			Order:  signer.Order,
			Status: string(signer.Status),
		}
		if signer.SignedAt != nil {
			sr.SignedAt = signer.SignedAt.UTC().Format(time.RFC3339)
		}
		if signer.RejectedAt != nil {
			sr.RejectedAt = signer.RejectedAt.UTC().Format(time.RFC3339)
		}
		if signer.RejectionReason != nil {
			sr.Reason = *signer.RejectionReason
		}
		resp.Signers = append(resp.Signers, sr)
	}
	return resp
}

func callerID(r *http.Request) string {
	if v, ok := r.Context().Value(ctxKeyUserID).(string); ok {
		return v
	}
	return ""
}

func writeSignatureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signature.ErrRequestNotFound),
		errors.Is(err, signature.ErrSignerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, signature.ErrEmptySignerList),
		errors.Is(err, signature.ErrDuplicateOrder),
		errors.Is(err, signature.ErrInvalidOrder),
		errors.Is(err, signature.ErrInvalidEmail),
		errors.Is(err, signature.ErrInvalidRole),
		errors.Is(err, signature.ErrOutOfOrder),
		errors.Is(err, signature.ErrProviderNotConfigured):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, signature.ErrDuplicateActiveRequest),
		errors.Is(err, signature.ErrInvalidTransition),
		errors.Is(err, signature.ErrAlreadySigned),
		errors.Is(err, signature.ErrAlreadyRejected),
		errors.Is(err, signature.ErrExpired),
		errors.Is(err, signature.ErrConcurrentModification):
		writeError(w, http.StatusConflict, err.Error())
	case signature.IsProviderUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "signature provider unavailable, try again")
	default:
		var pe *signature.ProviderError
		if errors.As(err, &pe) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
