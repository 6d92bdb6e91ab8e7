package media

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP backend.
type FTPOptions struct {
	Addr     string
	User     string
	Password string
	// Dir is the remote root that product directories are created under.
	Dir string
	// BaseURL is the public URL that maps onto Dir.
	BaseURL string
	Timeout time.Duration
}

// FTP uploads images to a remote server that publishes them over HTTP.
// Each call opens its own connection.
type FTP struct {
	opts FTPOptions
	dial func(ctx context.Context) (ftpConn, error)
}

// ftpConn is the subset of *ftp.ServerConn the backend uses.
type ftpConn interface {
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Retr(path string) (*ftp.Response, error)
	Quit() error
}

// NewFTP creates an FTP backend.
func NewFTP(opts FTPOptions) *FTP {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Password = "anonymous@"
	}
	opts.Dir = "/" + strings.Trim(opts.Dir, "/")
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	f := &FTP{opts: opts}
	f.dial = f.connect
	return f
}

func (f *FTP) connect(ctx context.Context) (ftpConn, error) {
	zap.L().Debug("ftp: connecting", zap.String("addr", f.opts.Addr))

	conn, err := ftp.Dial(f.opts.Addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}
	if err := conn.Login(f.opts.User, f.opts.Password); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrap(err, "ftp login")
	}
	return conn, nil
}

// Save implements Store.
func (f *FTP) Save(ctx context.Context, productID, filename, contentType string, data []byte) (string, error) {
	if !validSegment(productID) {
		return "", eris.Errorf("media: invalid product id %q", productID)
	}
	conn, err := f.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Quit() }()

	dir := path.Join(f.opts.Dir, productID)
	// MakeDir fails when the directory already exists; Stor reports the real problem.
	_ = conn.MakeDir(dir)

	name := objectName(filename, contentType)
	if err := conn.Stor(path.Join(dir, name), bytes.NewReader(data)); err != nil {
		return "", eris.Wrapf(err, "ftp store %s", name)
	}
	zap.L().Debug("ftp: stored image",
		zap.String("product_id", productID),
		zap.String("name", name),
		zap.Int("bytes", len(data)),
	)
	return f.opts.BaseURL + "/" + productID + "/" + name, nil
}

// Load implements Store.
func (f *FTP) Load(ctx context.Context, url string) ([]byte, error) {
	rel, ok := strings.CutPrefix(url, f.opts.BaseURL+"/")
	if !ok || path.Clean("/"+rel) != "/"+rel {
		return nil, eris.Errorf("media: %s is not an ftp media url", url)
	}
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Quit() }()

	resp, err := conn.Retr(path.Join(f.opts.Dir, rel))
	if err != nil {
		return nil, eris.Wrapf(err, "ftp retrieve %s", rel)
	}
	defer func() { _ = resp.Close() }()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp read %s", rel)
	}
	return data, nil
}
