// Package auth validates session tokens against chatrooms. Token issuance
// happens outside this service; the static authorizer maps pre-shared
// tokens to a chatroom-scoped role claim.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Authorizer interface {
	// Authorize resolves token into the role it may act as inside the
	// chatroom. Unknown token: ErrUnauthenticated; known token bound to a
	// different chatroom: ErrForbidden.
	Authorize(ctx context.Context, token string, chatroomID string) (string, error)
}

// StaticAuthorizer holds token claims in memory, loaded from config. A claim
// with an empty chatroom id is valid for every chatroom.
type StaticAuthorizer struct {
	mu     sync.RWMutex
	claims map[string]Claim
}

type Claim struct {
	ChatroomID string
	Role       string
}

func NewStatic(tokens map[string]string) (*StaticAuthorizer, error) {
	claims := make(map[string]Claim, len(tokens))
	for token, raw := range tokens {
		roomID, role, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, fmt.Errorf("token claim %q: want chatroom:role", raw)
		}
		claims[token] = Claim{ChatroomID: roomID, Role: role}
	}
	return &StaticAuthorizer{claims: claims}, nil
}

func (a *StaticAuthorizer) Authorize(_ context.Context, token string, chatroomID string) (string, error) {
	a.mu.RLock()
	claim, ok := a.claims[token]
	a.mu.RUnlock()
	if !ok {
		return "", ErrUnauthenticated
	}
	if claim.ChatroomID != "" && claim.ChatroomID != chatroomID {
		return "", ErrForbidden
	}
	return claim.Role, nil
}

// Grant registers a token claim at runtime (chatroom creation hands tokens
// to its agents this way).
func (a *StaticAuthorizer) Grant(token string, chatroomID string, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.claims[token] = Claim{ChatroomID: chatroomID, Role: role}
}
