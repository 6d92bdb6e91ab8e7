package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/config"
)

func TestLocal_SaveLoadServe(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "/media/")
	require.NoError(t, err)

	url, err := l.Save(context.Background(), "p1", "front.JPG", "image/jpeg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/media/p1/"))
	assert.True(t, strings.HasSuffix(url, ".jpg"))

	data, err := l.Load(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)

	srv := httptest.NewServer(http.StripPrefix("/media", l.Handler()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "jpeg-bytes", string(body))
}

func TestLocal_ExtensionFromContentType(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "/media")
	require.NoError(t, err)

	url, err := l.Save(context.Background(), "p1", "blob", "image/webp", []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, ".webp"))
}

func TestLocal_RejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "/media")
	require.NoError(t, err)

	_, err = l.Save(context.Background(), "../etc", "a.png", "image/png", []byte("x"))
	assert.Error(t, err)

	_, err = l.Load(context.Background(), "/media/p1/../../secret")
	assert.Error(t, err)

	_, err = l.Load(context.Background(), "https://elsewhere/p1/a.png")
	assert.Error(t, err)
}

func TestNewLocal_RequiresDir(t *testing.T) {
	_, err := NewLocal("", "/media")
	assert.Error(t, err)
}

func TestMemory_SaveLoad(t *testing.T) {
	m := NewMemory()
	url, err := m.Save(context.Background(), "p1", "a.png", "image/png", []byte("png"))
	require.NoError(t, err)

	data, err := m.Load(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	_, err = m.Load(context.Background(), "/media/p1/missing.png")
	assert.Error(t, err)
}

func TestNew_SelectsBackend(t *testing.T) {
	s, err := New(config.MediaConfig{Backend: "local", Dir: t.TempDir(), BaseURL: "/media"})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, s)

	s, err = New(config.MediaConfig{Backend: "ftp", FTP: config.FTPConfig{Addr: "ftp.example.com:21", BaseURL: "https://cdn.example.com"}})
	require.NoError(t, err)
	assert.IsType(t, &FTP{}, s)

	_, err = New(config.MediaConfig{Backend: "s3"})
	assert.Error(t, err)
}

type fakeFTPConn struct {
	dirs    []string
	stored  map[string]string
	storErr error
	quit    int
}

func (c *fakeFTPConn) MakeDir(p string) error {
	c.dirs = append(c.dirs, p)
	return errors.New("550 exists")
}

func (c *fakeFTPConn) Stor(p string, r io.Reader) error {
	if c.storErr != nil {
		return c.storErr
	}
	b, _ := io.ReadAll(r)
	c.stored[p] = string(b)
	return nil
}

func (c *fakeFTPConn) Retr(string) (*ftp.Response, error) {
	return nil, errors.New("550 not found")
}

func (c *fakeFTPConn) Quit() error {
	c.quit++
	return nil
}

func TestFTP_Save(t *testing.T) {
	conn := &fakeFTPConn{stored: map[string]string{}}
	f := NewFTP(FTPOptions{Addr: "ftp.example.com:21", Dir: "public/images/", BaseURL: "https://cdn.example.com/images/"})
	f.dial = func(context.Context) (ftpConn, error) { return conn, nil }

	url, err := f.Save(context.Background(), "p1", "side.png", "image/png", []byte("png"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/images/p1/"))

	assert.Equal(t, []string{"/public/images/p1"}, conn.dirs)
	require.Len(t, conn.stored, 1)
	for p, body := range conn.stored {
		assert.True(t, strings.HasPrefix(p, "/public/images/p1/"))
		assert.Equal(t, "png", body)
	}
	assert.Equal(t, 1, conn.quit)
}

func TestFTP_SaveError(t *testing.T) {
	conn := &fakeFTPConn{stored: map[string]string{}, storErr: errors.New("552 quota")}
	f := NewFTP(FTPOptions{Addr: "ftp.example.com:21", BaseURL: "https://cdn.example.com"})
	f.dial = func(context.Context) (ftpConn, error) { return conn, nil }

	_, err := f.Save(context.Background(), "p1", "a.png", "image/png", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "552 quota")
	assert.Equal(t, 1, conn.quit)
}

func TestFTP_Load(t *testing.T) {
	conn := &fakeFTPConn{stored: map[string]string{}}
	f := NewFTP(FTPOptions{Addr: "ftp.example.com:21", BaseURL: "https://cdn.example.com"})
	f.dial = func(context.Context) (ftpConn, error) { return conn, nil }

	_, err := f.Load(context.Background(), "https://other.example.com/p1/a.png")
	assert.Error(t, err)

	_, err = f.Load(context.Background(), "https://cdn.example.com/p1/a.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550 not found")
}

func TestFTP_DialError(t *testing.T) {
	f := NewFTP(FTPOptions{Addr: "ftp.example.com:21"})
	f.dial = func(context.Context) (ftpConn, error) { return nil, errors.New("ftp dial: refused") }

	_, err := f.Save(context.Background(), "p1", "a.png", "image/png", []byte("x"))
	assert.ErrorContains(t, err, "refused")
}
