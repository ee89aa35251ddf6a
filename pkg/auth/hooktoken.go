package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const hookKeyInfo = "ovpn-node hook token v1"

var ErrInvalid = errors.New("invalid token")

// HookClaims identify the instance a helper script belongs to.
type HookClaims struct {
	ServerID   string `json:"sid"`
	InstanceID string `json:"iid"`
	jwt.RegisteredClaims
}

// HookTokens mints the shared secret embedded into helper scripts. Each instance
// signs with its own key derived from the host master secret, so a leaked script
// only speaks for its own instance. Tokens carry no expiry; revocation happens by
// unregistering the instance from the hook server.
type HookTokens struct {
	master []byte
}

func NewHookTokens(master string) (*HookTokens, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("hook master secret must be at least 16 bytes")
	}
	return &HookTokens{master: []byte(master)}, nil
}

func (h *HookTokens) key(instanceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, h.master, []byte(instanceID), []byte(hookKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (h *HookTokens) Issue(serverID, instanceID string) (string, error) {
	key, err := h.key(instanceID)
	if err != nil {
		return "", err
	}
	claims := HookClaims{
		ServerID:   serverID,
		InstanceID: instanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Subject:  instanceID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func (h *HookTokens) Parse(tokenStr string) (*HookClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &HookClaims{}, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*HookClaims)
		if !ok || c.InstanceID == "" {
			return nil, ErrInvalid
		}
		return h.key(c.InstanceID)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*HookClaims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}
