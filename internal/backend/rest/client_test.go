package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalog/datalayer/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{URL: srv.URL, APIKey: "anon", Schema: "public", ProbeTable: "categories"})
	require.NoError(t, err)
	return c
}

func TestSelectBuildsQuery(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`[{"id":1,"name":"Sleep"}]`))
	})

	var rows []map[string]interface{}
	err := c.From("habits").
		Select("id,name").
		Eq("user_id", "u1").
		Order("created_at", false).
		Limit(5).
		Into(context.Background(), &rows)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/rest/v1/habits", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "id,name", q.Get("select"))
	assert.Equal(t, "eq.u1", q.Get("user_id"))
	assert.Equal(t, "created_at.desc", q.Get("order"))
	assert.Equal(t, "5", q.Get("limit"))
	assert.Equal(t, "anon", got.Header.Get("apikey"))
	assert.Equal(t, "Bearer anon", got.Header.Get("Authorization"))
	assert.Equal(t, "public", got.Header.Get("Accept-Profile"))
	assert.Len(t, rows, 1)
}

func TestInsertSendsBody(t *testing.T) {
	var body map[string]interface{}
	var prefer string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		prefer = r.Header.Get("Prefer")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(data)
	})

	_, err := c.From("entries").Insert(context.Background(), map[string]interface{}{"mood": 4})
	require.NoError(t, err)
	assert.Equal(t, "return=representation", prefer)
	assert.EqualValues(t, 4, body["mood"])
}

func TestUpdateWithoutFilterRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent")
	})

	_, err := c.From("entries").Update(context.Background(), map[string]interface{}{"mood": 1})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMalformedQuery))
}

func TestErrorDecoding(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode errors.ErrorCode
		class    errors.Class
	}{
		{"rate limited", 429, `{"message":"Too many requests"}`, errors.ErrCodeRateLimited, errors.ClassRateLimit},
		{"unique violation", 409, `{"code":"23505","message":"duplicate key value violates unique constraint"}`, errors.ErrCodeConstraintViolation, errors.ClassData},
		{"bad column", 400, `{"code":"42703","message":"column habits.nme does not exist"}`, errors.ErrCodeMalformedQuery, errors.ClassData},
		{"no rows", 406, `{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`, errors.ErrCodeNotFound, errors.ClassData},
		{"jwt expired", 401, `{"code":"PGRST301","message":"JWT expired"}`, errors.ErrCodeTokenExpired, errors.ClassAuth},
		{"forbidden", 403, `{"message":"permission denied for table habits"}`, errors.ErrCodePermissionDenied, errors.ClassAuth},
		{"server", 503, `upstream unavailable`, errors.ErrCodeServerError, errors.ClassNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.From("habits").Execute(context.Background())
			require.Error(t, err)

			var dl *errors.DataLayerError
			require.ErrorAs(t, err, &dl)
			assert.Equal(t, tt.wantCode, dl.Code)
			assert.Equal(t, tt.status, dl.HTTPStatus)
			assert.Equal(t, tt.class, errors.Classify(err))
		})
	}
}

func TestPingUsesProbeTable(t *testing.T) {
	var path, limit string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		limit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[]`))
	})

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "/rest/v1/categories", path)
	assert.Equal(t, "1", limit)
}

func TestNetworkFailureIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(Config{URL: url})
	require.NoError(t, err)

	err = c.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ClassNetwork, errors.Classify(err))
}

func TestAuthFlow(t *testing.T) {
	var lastAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			switch r.URL.Query().Get("grant_type") {
			case "password":
				_, _ = w.Write([]byte(`{"access_token":"tok1","refresh_token":"ref1","expires_in":3600,"user":{"id":"u1","email":"a@b.c"}}`))
			case "refresh_token":
				_, _ = w.Write([]byte(`{"access_token":"tok2","refresh_token":"ref2","expires_in":3600,"user":{"id":"u1"}}`))
			}
		case "/auth/v1/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			lastAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`[]`))
		}
	})
	ctx := context.Background()

	s, err := c.Auth().SignInWithPassword(ctx, "a@b.c", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.False(t, s.ExpiresAt.IsZero())

	_, err = c.From("habits").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok1", lastAuth)

	s, err = c.Auth().RefreshSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok2", s.AccessToken)

	require.NoError(t, c.Auth().SignOut(ctx))
	assert.Nil(t, c.Auth().Session())

	_, err = c.From("habits").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer anon", lastAuth)
}

func TestInvalidLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	})

	_, err := c.Auth().SignInWithPassword(context.Background(), "a@b.c", "wrong")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAuthenticationFailed))
	assert.Nil(t, c.Auth().Session())
}

func TestCallerCancellationIsNotNetworkFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	var rows []map[string]interface{}
	err := c.From("goals").Select("*").Into(ctx, &rows)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
	assert.Equal(t, errors.ClassCancelled, errors.Classify(err))
}
