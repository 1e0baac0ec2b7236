package submission

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
)

func testSubmission(t *testing.T) model.Submission {
	t.Helper()
	dir := t.TempDir()
	front := filepath.Join(dir, "1234_0001_F.jpg")
	back := filepath.Join(dir, "1234_0001_B.jpg")
	require.NoError(t, os.WriteFile(front, []byte("front"), 0o644))
	require.NoError(t, os.WriteFile(back, []byte("back"), 0o644))

	return model.Submission{
		BatchID:      "batch-1",
		ServiceLevel: "economy",
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Items: []model.SubmissionItem{
			{
				Identity:       "1234_0001",
				Card:           model.RecognizedCard{Year: 2018, Set: "Topps Chrome", Player: "Shohei Ohtani", Number: "150"},
				EstimatedGrade: 9,
				DeclaredValue:  decimal.RequireFromString("120"),
				FrontImage:     front,
				BackImage:      back,
			},
			{
				Identity:       "1234_0002",
				Card:           model.RecognizedCard{Year: 1989, Set: "Upper Deck", Player: "Ken Griffey Jr", Number: "1"},
				EstimatedGrade: 8,
				DeclaredValue:  decimal.RequireFromString("75.5"),
			},
		},
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.SubmissionConfig
		want    any
		wantErr bool
	}{
		{name: "file", cfg: config.SubmissionConfig{OutboxDir: "out"}, want: &Outbox{}},
		{name: "file missing dir", cfg: config.SubmissionConfig{Provider: "file"}, wantErr: true},
		{name: "ftp", cfg: config.SubmissionConfig{Provider: "FTP", FTPAddr: "intake.example.com"}, want: &FTPDrop{}},
		{name: "ftp missing addr", cfg: config.SubmissionConfig{Provider: "ftp"}, wantErr: true},
		{name: "unknown", cfg: config.SubmissionConfig{Provider: "pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestOutbox_Submit(t *testing.T) {
	t.Parallel()

	sub := testSubmission(t)
	root := t.TempDir()
	conf, err := NewOutbox(root).Submit(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, "batch-1", conf.ID)
	assert.Equal(t, filepath.Join(root, "batch-1"), conf.Location)

	data, err := os.ReadFile(filepath.Join(conf.Location, "1234_0001_F.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "front", string(data))
	assert.FileExists(t, filepath.Join(conf.Location, "1234_0001_B.jpg"))

	summary, err := ReadManifest(filepath.Join(conf.Location, ManifestName), "Summary")
	require.NoError(t, err)
	require.Len(t, summary, 5)
	assert.Equal(t, []string{"Batch", "batch-1"}, summary[0])
	assert.Equal(t, []string{"Cards", "2"}, summary[3])
	assert.Equal(t, []string{"Declared Total", "195.50"}, summary[4])

	cards, err := ReadManifest(filepath.Join(conf.Location, ManifestName), "Cards")
	require.NoError(t, err)
	require.Len(t, cards, 3)
	assert.Equal(t, itemHeader, cards[0])
	assert.Equal(t, "1234_0001", cards[1][1])
	assert.Equal(t, "2018", cards[1][2])
	assert.Equal(t, "Shohei Ohtani", cards[1][4])
	assert.Equal(t, "9", cards[1][6])
	assert.Equal(t, "120.00", cards[1][7])
	assert.Equal(t, "75.50", cards[2][7])
}

func TestOutbox_Rejects(t *testing.T) {
	t.Parallel()

	o := NewOutbox(t.TempDir())
	_, err := o.Submit(context.Background(), model.Submission{BatchID: "b"})
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindValidation, kind)

	sub := testSubmission(t)
	sub.Items[0].FrontImage = filepath.Join(t.TempDir(), "missing.jpg")
	_, err = o.Submit(context.Background(), sub)
	assert.Error(t, err)
}

func TestReadManifest_MissingSheet(t *testing.T) {
	t.Parallel()

	conf, err := NewOutbox(t.TempDir()).Submit(context.Background(), testSubmission(t))
	require.NoError(t, err)
	_, err = ReadManifest(filepath.Join(conf.Location, ManifestName), "Nope")
	assert.Error(t, err)
	_, err = ReadManifest(filepath.Join(t.TempDir(), "none.xlsx"), "Cards")
	assert.Error(t, err)
}

type fakeFTP struct {
	mu       sync.Mutex
	user     string
	loginErr error
	dirs     []string
	files    map[string][]byte
	quit     bool
}

func (f *fakeFTP) Login(user, _ string) error {
	f.user = user
	return f.loginErr
}

func (f *fakeFTP) MakeDir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, p)
	return errors.New("550 exists")
}

func (f *fakeFTP) Stor(p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[p] = data
	return nil
}

func (f *fakeFTP) Quit() error {
	f.quit = true
	return nil
}

func TestFTPDrop_Submit(t *testing.T) {
	t.Parallel()

	conn := &fakeFTP{}
	d := NewFTPDrop(FTPOptions{Addr: "ftp://intake.example.com", Dir: "inbound"})
	var dialed string
	d.dial = func(_ context.Context, addr string, _ time.Duration) (ftpConn, error) {
		dialed = addr
		return conn, nil
	}

	conf, err := d.Submit(context.Background(), testSubmission(t))
	require.NoError(t, err)

	assert.Equal(t, "intake.example.com:21", dialed)
	assert.Equal(t, "anonymous", conn.user)
	assert.Equal(t, []string{"/inbound/batch-1"}, conn.dirs)
	assert.Equal(t, "ftp://intake.example.com:21/inbound/batch-1", conf.Location)
	assert.True(t, conn.quit)

	require.Len(t, conn.files, 3)
	assert.NotEmpty(t, conn.files["/inbound/batch-1/manifest.xlsx"])
	assert.Equal(t, "front", string(conn.files["/inbound/batch-1/1234_0001_F.jpg"]))
	assert.Equal(t, "back", string(conn.files["/inbound/batch-1/1234_0001_B.jpg"]))
}

func TestFTPDrop_Errors(t *testing.T) {
	t.Parallel()

	t.Run("dial", func(t *testing.T) {
		t.Parallel()
		d := NewFTPDrop(FTPOptions{Addr: "127.0.0.1:1", Timeout: 100 * time.Millisecond})
		_, err := d.Submit(context.Background(), testSubmission(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ftp dial")
	})

	t.Run("login", func(t *testing.T) {
		t.Parallel()
		conn := &fakeFTP{loginErr: errors.New("530 denied")}
		d := NewFTPDrop(FTPOptions{Addr: "intake:2121", User: "u", Password: "p"})
		d.dial = func(context.Context, string, time.Duration) (ftpConn, error) { return conn, nil }
		_, err := d.Submit(context.Background(), testSubmission(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ftp login")
		assert.True(t, conn.quit)
		assert.Empty(t, conn.files)
	})
}

func TestWithDefaultPort(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.example.com:21", withDefaultPort("a.example.com"))
	assert.Equal(t, "a.example.com:2121", withDefaultPort("ftp://a.example.com:2121"))
}
