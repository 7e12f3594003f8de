// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offhttp

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	auth := NewJWTAuth("secret")

	token, err := auth.GenerateToken("user-1", "client-1", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "client-1", claims.ClientID)
	require.Equal(t, "go-offsync", claims.Issuer)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-1", "client-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	auth := NewJWTAuth("secret")
	token, err := auth.GenerateToken("user-1", "client-1", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenWrongAlgorithm(t *testing.T) {
	auth := NewJWTAuth("secret")

	// An unsigned token must be refused even if the claims parse.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{
		ClientID: "client-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenMissingIdentity(t *testing.T) {
	auth := NewJWTAuth("secret")

	sign := func(claims *JWTClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		s, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)
		return s
	}
	expires := jwt.NewNumericDate(time.Now().Add(time.Hour))

	_, err := auth.ValidateToken(sign(&JWTClaims{
		ClientID:         "client-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: expires},
	}))
	require.Error(t, err, "missing sub")

	_, err = auth.ValidateToken(sign(&JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: expires},
	}))
	require.Error(t, err, "missing cid")
}

func TestRequestAuthentication(t *testing.T) {
	auth := NewJWTAuth("secret")
	token, err := auth.GenerateToken("user-1", "client-1", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "/sync/resource", nil)
	require.NoError(t, err)

	_, err = auth.GetUserID(req)
	require.Error(t, err, "missing authorization header")

	req.Header.Set("Authorization", token)
	_, err = auth.GetUserID(req)
	require.Error(t, err, "missing Bearer prefix")

	req.Header.Set("Authorization", "Bearer "+token)
	uid, err := auth.GetUserID(req)
	require.NoError(t, err)
	require.Equal(t, "user-1", uid)
	cid, err := auth.GetClientID(req)
	require.NoError(t, err)
	require.Equal(t, "client-1", cid)
}
