package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"circlefund/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func send(t *testing.T, h http.Handler, method, path, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestReplaysStoredResponse(t *testing.T) {
	db := openTestDB(t)
	calls := 0
	h := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, calls)
	}))

	status, body := send(t, h, http.MethodPost, "/things", "key-1")
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, `{"call":1}`, body)

	status, body = send(t, h, http.MethodPost, "/things", "key-1")
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, `{"call":1}`, body)
	require.Equal(t, 1, calls)
}

func TestKeyIsScopedToMethodAndPath(t *testing.T) {
	db := openTestDB(t)
	calls := 0
	h := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))

	status, body := send(t, h, http.MethodPost, "/things", "shared")
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, `{"path":"/things"}`, body)

	// The same key on a different operation executes instead of replaying.
	status, body = send(t, h, http.MethodPost, "/others", "shared")
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, `{"path":"/others"}`, body)
	require.Equal(t, 2, calls)
}

func TestErrorResponsesAreNotCached(t *testing.T) {
	db := openTestDB(t)
	calls := 0
	h := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"kind":"state_conflict"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))

	status, _ := send(t, h, http.MethodPost, "/things", "retry")
	require.Equal(t, http.StatusConflict, status)

	// The retry re-executes once the conflict has cleared.
	status, body := send(t, h, http.MethodPost, "/things", "retry")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, `{"ok":true}`, body)
	require.Equal(t, 2, calls)

	var stored int64
	require.NoError(t, db.Model(&models.IdempotencyKey{}).Count(&stored).Error)
	require.Equal(t, int64(1), stored)
}
