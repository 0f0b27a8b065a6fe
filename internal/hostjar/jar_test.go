package hostjar

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockprobe/internal/logger"
	"stockprobe/pkg/model"
)

const site = "https://www.amazon.com/gp/cart"

func TestSwapRemovesOnlyForeignNames(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJar()
	user := []model.Cookie{{Name: "session-id", Value: "user"}, {Name: "x-main", Value: "secret"}}
	for _, c := range user {
		require.NoError(t, j.Set(ctx, site, c))
	}

	guest := []model.Cookie{{Name: "session-id", Value: "guest"}, {Name: "ubid-main", Value: "g"}}
	require.NoError(t, Swap(ctx, j, site, user, guest))

	got, err := j.GetAll(ctx, site)
	require.NoError(t, err)
	assert.Equal(t, []model.Cookie{
		{Name: "session-id", Value: "guest", Path: "/"},
		{Name: "ubid-main", Value: "g", Path: "/"},
	}, got)

	// 还原
	require.NoError(t, Swap(ctx, j, site, got, user))
	got, err = j.GetAll(ctx, site)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "user", got[0].Value)
	assert.Equal(t, "x-main", got[1].Name)
}

func TestExpiredCookiesDropped(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJar()
	require.NoError(t, j.Set(ctx, site, model.Cookie{Name: "a", Value: "1", ExpiresAt: time.Now().Add(-time.Second)}))
	got, err := j.GetAll(ctx, "https://amazon.com/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCookieJarBridge(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJar()
	cj := CookieJar(ctx, j, nil)
	u, _ := url.Parse(site)

	cj.SetCookies(u, []*http.Cookie{{Name: "session-id", Value: "abc"}, {Name: "gone", Value: "x", MaxAge: -1}})
	hcs := cj.Cookies(u)
	require.Len(t, hcs, 1)
	assert.Equal(t, "session-id", hcs[0].Name)

	all, err := j.GetAll(ctx, site)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

type failingJar struct{ *MemoryJar }

func (failingJar) Set(context.Context, string, model.Cookie) error {
	return errors.New("devtools disconnected")
}

func TestCookieJarLogsWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	cj := CookieJar(context.Background(), failingJar{NewMemoryJar()}, logger.NewWriter(&buf, "debug"))
	u, _ := url.Parse(site)

	cj.SetCookies(u, []*http.Cookie{{Name: "session-id", Value: "abc"}})
	assert.Contains(t, buf.String(), "devtools disconnected")
	assert.Contains(t, buf.String(), "session-id")
}
