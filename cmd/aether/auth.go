package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/galdor/go-service/pkg/shttp"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 30 * time.Minute

type Token struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
}

func (api *APIServer) hLoginPOST(h *shttp.Handler) {
	tokenString, err := api.createToken("admin")
	if err != nil {
		h.ReplyError(500, "internal_error", "cannot create token: %v", err)
		return
	}

	h.ReplyJSON(200, Token{
		AccessToken: tokenString,
		TokenType:   "bearer",
	})
}

func (api *APIServer) createToken(subject string) (string, error) {
	cfg := api.Service.Cfg.API

	ttl := DefaultTokenTTL
	if cfg.TokenTTL > 0 {
		ttl = time.Duration(cfg.TokenTTL) * time.Minute
	}

	now := time.Now()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(cfg.JWTSecret))
}

// authenticate checks the bearer token of a request; it replies with a 401
// response and returns false when the request is not authenticated.
func (api *APIServer) authenticate(h *shttp.Handler) bool {
	authorization := h.Request.Header.Get("Authorization")
	if authorization == "" {
		h.ReplyError(401, "authentication_required",
			"missing or empty authorization header field")
		return false
	}

	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.ReplyError(401, "authentication_required",
			"invalid authorization scheme")
		return false
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		return []byte(api.Service.Cfg.API.JWTSecret), nil
	}

	token, err := jwt.Parse(parts[1], keyFunc,
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		h.ReplyError(401, "authentication_required", "invalid token")
		return false
	}

	return true
}

// readJSONBody decodes the request body and replies with a 400 response on
// invalid data.
func (api *APIServer) readJSONBody(h *shttp.Handler, dest interface{}) error {
	decoder := json.NewDecoder(h.Request.Body)

	if err := decoder.Decode(dest); err != nil {
		h.ReplyError(400, "invalid_request_body",
			"invalid request body: %v", err)
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}
