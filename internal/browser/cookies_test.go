package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookiesFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("MissingFile", func(t *testing.T) {
		cookies, err := ReadCookies(filepath.Join(dir, "absent.json"))
		require.NoError(t, err)
		assert.Nil(t, cookies)
	})

	t.Run("WriteThenRead", func(t *testing.T) {
		path := filepath.Join(dir, "nested", "cookies.json")
		in := []Cookie{
			{Name: "sid", Value: "abc", Domain: ".chat.example", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true, SameSite: "Lax"},
			{Name: "theme", Value: "dark", Domain: "chat.example", Path: "/", Expires: -1},
		}
		require.NoError(t, WriteCookies(path, in))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		out, err := ReadCookies(path)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("NilWritesEmptyArray", func(t *testing.T) {
		path := filepath.Join(dir, "empty.json")
		require.NoError(t, WriteCookies(path, nil))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(data))
	})

	t.Run("Corrupt", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
		_, err := ReadCookies(path)
		assert.ErrorContains(t, err, "parse cookies file")
	})
}

func TestCookieParams(t *testing.T) {
	params := cookieParams([]Cookie{
		{Name: "persistent", Value: "1", Expires: 1893456000.5, SameSite: "Strict"},
		{Name: "session", Value: "2", Expires: -1, SameSite: "bogus"},
		{Name: "", Value: "skipped"},
	})
	require.Len(t, params, 2)

	require.NotNil(t, params[0].Expires)
	assert.Equal(t, int64(1893456000), params[0].Expires.Time().Unix())
	assert.Equal(t, network.CookieSameSiteStrict, params[0].SameSite)

	assert.Nil(t, params[1].Expires, "session cookies carry no expiry")
	assert.Empty(t, params[1].SameSite, "unknown SameSite values are dropped")
}

func TestFromNetworkCookies(t *testing.T) {
	out := fromNetworkCookies([]*network.Cookie{
		{Name: "sid", Value: "abc", Domain: "chat.example", Path: "/", Expires: 1893456000, Secure: true, SameSite: network.CookieSameSiteNone},
		nil,
		{Name: "tmp", Value: "x", Domain: "chat.example", Path: "/", Expires: 0, Session: true},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "None", out[0].SameSite)
	assert.Equal(t, float64(1893456000), out[0].Expires)
	assert.Equal(t, float64(-1), out[1].Expires)
}
