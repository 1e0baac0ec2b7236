package submission

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

// Outbox writes each submission into its own directory under root. An
// operator (or a sync job) ships the directory to the grading service.
type Outbox struct {
	root string
	now  func() time.Time
}

// NewOutbox creates an Outbox rooted at dir.
func NewOutbox(dir string) *Outbox {
	return &Outbox{root: dir, now: time.Now}
}

// Submit writes the manifest and copies both images of every item.
func (o *Outbox) Submit(ctx context.Context, sub model.Submission) (*model.Confirmation, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}
	dir := filepath.Join(o.root, sub.BatchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "submission: create %s", dir)
	}

	if err := writeFile(filepath.Join(dir, ManifestName), func(w io.Writer) error {
		return WriteManifest(w, sub)
	}); err != nil {
		return nil, err
	}

	for _, it := range sub.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, src := range []string{it.FrontImage, it.BackImage} {
			if src == "" {
				continue
			}
			if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
				return nil, err
			}
		}
	}

	zap.L().Info("submission: written to outbox",
		zap.String("batch", sub.BatchID),
		zap.String("dir", dir),
		zap.Int("items", len(sub.Items)),
	)
	return &model.Confirmation{ID: sub.BatchID, Location: dir, Submitted: o.now().UTC()}, nil
}

func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "submission: create %s", path)
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	return eris.Wrapf(f.Close(), "submission: close %s", path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "submission: open image %s", src)
	}
	defer in.Close()
	return writeFile(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return eris.Wrapf(err, "submission: copy %s", src)
	})
}
