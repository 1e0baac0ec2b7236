// Package submission delivers grading submissions: an xlsx manifest plus the
// canonical card images, dropped either into a local outbox or onto the
// grading service's FTP intake.
package submission

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
)

// Submitter hands a submission to a grading service.
type Submitter interface {
	Submit(ctx context.Context, sub model.Submission) (*model.Confirmation, error)
}

// New builds the configured submitter.
func New(cfg config.SubmissionConfig) (Submitter, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "file":
		if cfg.OutboxDir == "" {
			return nil, eris.New("submission: file provider requires outbox_dir")
		}
		return NewOutbox(cfg.OutboxDir), nil
	case "ftp":
		if cfg.FTPAddr == "" {
			return nil, eris.New("submission: ftp provider requires ftp_addr")
		}
		return NewFTPDrop(FTPOptions{
			Addr:     cfg.FTPAddr,
			User:     cfg.FTPUser,
			Password: cfg.FTPPassword,
			Dir:      cfg.FTPDir,
		}), nil
	default:
		return nil, eris.Errorf("submission: unknown provider %q", cfg.Provider)
	}
}

// validate rejects submissions no grading service would accept.
func validate(sub model.Submission) error {
	if sub.BatchID == "" {
		return model.Invalid("submission: missing batch id", nil)
	}
	if len(sub.Items) == 0 {
		return model.Invalid("submission: no items", nil)
	}
	return nil
}
