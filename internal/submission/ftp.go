package submission

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/model"
)

// FTPOptions configures the FTP intake drop.
type FTPOptions struct {
	Addr     string
	User     string
	Password string
	// Dir is the remote intake directory; each batch gets a subdirectory.
	Dir     string
	Timeout time.Duration
}

// ftpConn is the subset of *ftp.ServerConn the drop uses.
type ftpConn interface {
	Login(user, password string) error
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

type dialFunc func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error)

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// FTPDrop uploads submissions to a grading service's FTP intake.
type FTPDrop struct {
	opts FTPOptions
	dial dialFunc
	now  func() time.Time
}

// NewFTPDrop creates an FTP submitter.
func NewFTPDrop(opts FTPOptions) *FTPDrop {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Password = "anonymous@"
	}
	opts.Addr = withDefaultPort(opts.Addr)
	return &FTPDrop{opts: opts, dial: dialFTP, now: time.Now}
}

func withDefaultPort(addr string) string {
	addr = strings.TrimPrefix(addr, "ftp://")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "21")
	}
	return addr
}

// Submit uploads the manifest and the images of every item into
// {dir}/{batch}.
func (d *FTPDrop) Submit(ctx context.Context, sub model.Submission) (*model.Confirmation, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}

	var manifest bytes.Buffer
	if err := WriteManifest(&manifest, sub); err != nil {
		return nil, err
	}

	zap.L().Debug("ftp: connecting", zap.String("addr", d.opts.Addr))
	conn, err := d.dial(ctx, d.opts.Addr, d.opts.Timeout)
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(d.opts.User, d.opts.Password); err != nil {
		return nil, eris.Wrap(err, "ftp login")
	}

	remote := path.Join("/", d.opts.Dir, sub.BatchID)
	if err := conn.MakeDir(remote); err != nil {
		// The directory may survive a previous partial upload.
		zap.L().Debug("ftp: mkdir", zap.String("dir", remote), zap.Error(err))
	}

	if err := conn.Stor(path.Join(remote, ManifestName), &manifest); err != nil {
		return nil, eris.Wrap(err, "ftp store manifest")
	}
	for _, it := range sub.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, src := range []string{it.FrontImage, it.BackImage} {
			if src == "" {
				continue
			}
			if err := storFile(conn, src, path.Join(remote, filepath.Base(src))); err != nil {
				return nil, err
			}
		}
	}

	loc := "ftp://" + d.opts.Addr + remote
	zap.L().Info("submission: uploaded",
		zap.String("batch", sub.BatchID),
		zap.String("location", loc),
		zap.Int("items", len(sub.Items)),
	)
	return &model.Confirmation{ID: sub.BatchID, Location: loc, Submitted: d.now().UTC()}, nil
}

func storFile(conn ftpConn, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "submission: open image %s", src)
	}
	defer f.Close()
	return eris.Wrapf(conn.Stor(dst, f), "ftp store %s", dst)
}
