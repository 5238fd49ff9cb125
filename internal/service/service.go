// Package service holds the security core: the refresh-token rotation
// engine, the brute-force guard, the two-factor engine and the auth façade
// composing them.
package service

import "github.com/go-playground/validator/v10"

var validate = validator.New()
