package identity

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/model"
)

// Registrar persists a newly captured asset.
type Registrar interface {
	Register(ctx context.Context, asset *model.CardAsset) error
}

// Capturer places an operator's photos into the image source directory
// under a fresh identity.
type Capturer struct {
	assigner *Assigner
	registry Registrar
	dir      string
}

// NewCapturer creates a Capturer writing into dir.
func NewCapturer(assigner *Assigner, registry Registrar, dir string) *Capturer {
	return &Capturer{assigner: assigner, registry: registry, dir: dir}
}

// Capture assigns an identity, copies both photos as {id}_F.jpg and
// {id}_B.jpg, writes the grade sidecar and registers the asset.
func (c *Capturer) Capture(ctx context.Context, frontPath, backPath string, grade int, at time.Time) (*model.CardAsset, error) {
	if grade < 1 || grade > 10 {
		return nil, model.Invalid("identity: estimated grade must be 1-10", nil)
	}
	for _, p := range []string{frontPath, backPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, eris.Wrapf(err, "identity: capture source %s", p)
		}
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "identity: create image dir %s", c.dir)
	}

	id, err := c.assigner.Assign(ctx, at)
	if err != nil {
		return nil, err
	}

	asset := model.NewCardAsset(id, grade, at)
	for side, src := range map[model.Side]string{model.SideFront: frontPath, model.SideBack: backPath} {
		dst := filepath.Join(c.dir, id.FileName(side))
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		asset.Sides.Set(side, model.ImageRef{Path: dst})
	}
	if err := WriteSidecar(c.dir, id, grade); err != nil {
		return nil, err
	}
	if err := c.registry.Register(ctx, asset); err != nil {
		return nil, eris.Wrapf(err, "identity: register %s", id)
	}

	zap.L().Info("identity: captured",
		zap.String("identity", id.String()),
		zap.Int("estimated_grade", grade),
	)
	return asset, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "identity: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return eris.Wrapf(err, "identity: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrapf(err, "identity: copy %s", src)
	}
	return eris.Wrapf(out.Close(), "identity: close %s", dst)
}
