// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/thv-authserver/pkg/authserver/metrics"
	"github.com/stacklok/thv-authserver/pkg/authserver/oauth"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

const jsonContentType = "application/json;charset=UTF-8"

// errorResponse is the token error body. The message is sent as description and,
// for RFC 6749 section 5.2 clients, again as error_description.
type errorResponse struct {
	Error            string `json:"error"`
	Description      string `json:"description,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenHandler handles /oauth/token requests.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	tokenReq, err := oauth.ParseTokenRequest(req)
	if err != nil {
		h.writeTokenError(w, "", "", err)
		return
	}

	resp, err := h.dispatcher.Token(ctx, tokenReq)
	if err != nil {
		h.writeTokenError(w, tokenReq.GrantType, tokenReq.Form.Get(oauth.ParamClientID), err)
		return
	}

	logger.Debugw("issued access token",
		"grant_type", tokenReq.GrantType,
		"scope", resp.Scope,
	)
	writeTokenJSON(w, http.StatusOK, resp)
}

// writeTokenError serialises OAuth errors with their status code. Anything else is
// logged in full and reported as a bare server_error.
func (*Handler) writeTokenError(w http.ResponseWriter, grantType, clientID string, err error) {
	code := oauth.ErrorCode(err)
	metrics.TokenErrorsTotal.WithLabelValues(code).Inc()

	rfcErr, ok := oauth.AsOAuthError(err)
	if !ok {
		logger.Errorw("token request failed",
			"error", err,
			"grant_type", grantType,
			"client_id", clientID,
		)
		writeTokenJSON(w, http.StatusInternalServerError, errorResponse{Error: oauth.ServerErrorCode})
		return
	}

	logger.Infow("token request rejected",
		"error", code,
		"description", rfcErr.GetDescription(),
		"cause", rfcErr.Unwrap(),
		"grant_type", grantType,
		"client_id", clientID,
	)
	writeTokenJSON(w, rfcErr.StatusCode(), errorResponse{
		Error:            rfcErr.ErrorField,
		Description:      rfcErr.GetDescription(),
		ErrorDescription: rfcErr.GetDescription(),
	})
}

func writeTokenJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode token response", "error", err)
	}
}

// rateLimit rejects requests beyond the configured token bucket with slow_down.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			h.writeTokenError(w, "", "", oauth.ErrSlowDown)
			return
		}
		next.ServeHTTP(w, r)
	})
}
