package rest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vitalog/datalayer/internal/backend"
	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/errors"
)

type authClient struct {
	client *Client
	clock  clock.Clock

	mu      sync.RWMutex
	session *backend.Session
}

var _ backend.Auth = (*authClient)(nil)

func (a *authClient) Session() *backend.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil
	}
	s := *a.session
	return &s
}

func (a *authClient) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	u := a.client.endpoint("auth/v1/token")
	u.RawQuery = "grant_type=password"
	data, err := a.client.send(ctx, http.MethodPost, u, map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	return a.store(data)
}

func (a *authClient) RefreshSession(ctx context.Context) (*backend.Session, error) {
	current := a.Session()
	if current == nil || current.RefreshToken == "" {
		return nil, errors.NewError(errors.ErrCodeAuthenticationFailed, "no session to refresh").
			WithComponent("rest").WithOperation("refresh")
	}
	u := a.client.endpoint("auth/v1/token")
	u.RawQuery = "grant_type=refresh_token"
	data, err := a.client.send(ctx, http.MethodPost, u, map[string]string{
		"refresh_token": current.RefreshToken,
	}, nil)
	if err != nil {
		return nil, err
	}
	return a.store(data)
}

// SignOut revokes the session remotely and always clears it locally.
func (a *authClient) SignOut(ctx context.Context) error {
	if a.Session() == nil {
		return nil
	}
	_, err := a.client.send(ctx, http.MethodPost, a.client.endpoint("auth/v1/logout"), nil, nil)

	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	return err
}

func (a *authClient) store(data []byte) (*backend.Session, error) {
	token := gjson.GetBytes(data, "access_token").String()
	if token == "" {
		return nil, errors.NewError(errors.ErrCodeAuthenticationFailed, "auth response carried no access token").
			WithComponent("rest")
	}

	s := &backend.Session{
		AccessToken:  token,
		RefreshToken: gjson.GetBytes(data, "refresh_token").String(),
		UserID:       gjson.GetBytes(data, "user.id").String(),
		Email:        gjson.GetBytes(data, "user.email").String(),
	}
	if exp := gjson.GetBytes(data, "expires_at"); exp.Exists() {
		s.ExpiresAt = time.Unix(exp.Int(), 0)
	} else if in := gjson.GetBytes(data, "expires_in"); in.Exists() {
		s.ExpiresAt = a.clock.Now().Add(time.Duration(in.Int()) * time.Second)
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	out := *s
	return &out, nil
}
