// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidSecret reports a token request with a wrong or missing API secret.
var ErrInvalidSecret = errors.New("invalid API secret")

// HashAPISecret produces a bcrypt hash suitable for API_SECRET_HASH.
// Used by the hash-secret admin command, never at request time.
func HashAPISecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAPISecret checks a presented secret against the configured bcrypt
// hash. The comparison runs in constant time per bcrypt's contract.
func VerifyAPISecret(hash, secret string) error {
	if hash == "" || secret == "" {
		return ErrInvalidSecret
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidSecret
	}
	return nil
}
