package deposit

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/mattjoyce/depositd/internal/fsutil"
	"github.com/mattjoyce/depositd/internal/sword"
)

// Upload is a file sent by the depositing client.
type Upload struct {
	Name string
	Body io.Reader
	// ContentMD5 is the client's checksum, hex or base64. Empty skips the check.
	ContentMD5 string
}

// AddFile stores a new file in the deposit. The file must not exist yet.
func (s *Service) AddFile(ctx context.Context, depositUUID string, up Upload) error {
	return s.putFile(ctx, depositUUID, up, false)
}

// ReplaceFile overwrites an existing file of the deposit.
func (s *Service) ReplaceFile(ctx context.Context, depositUUID string, up Upload) error {
	return s.putFile(ctx, depositUUID, up, true)
}

func (s *Service) putFile(ctx context.Context, depositUUID string, up Upload, replace bool) error {
	if !fsutil.SafeName(up.Name) {
		return newError(KindBadRequest, nil, "Invalid filename %q.", up.Name)
	}
	d, err := s.Editable(ctx, depositUUID)
	if err != nil {
		return err
	}
	if err := checkPresence(filepath.Join(d.Path, up.Name), replace); err != nil {
		return err
	}

	ws, err := s.workspaces.Create(ctx, "upload-"+uuid.NewString())
	if err != nil {
		return newError(KindInternal, err, "Could not spool upload: contact an administrator.")
	}
	defer func() { _ = s.workspaces.Remove(context.WithoutCancel(ctx), ws.ID) }()

	spool := filepath.Join(ws.Dir, up.Name)
	sum, err := spoolWithMD5(spool, up.Body)
	if err != nil {
		return newError(KindInternal, err, "Could not spool upload: contact an administrator.")
	}
	if up.ContentMD5 != "" && !sword.ChecksumMatches(up.ContentMD5, sum) {
		_ = os.Remove(spool)
		return newError(KindChecksumMismatch, nil,
			"MD5 checksum of uploaded file (%s) does not match checksum provided in header (%s).",
			hex.EncodeToString(sum), up.ContentMD5)
	}

	defer s.lock(depositUUID)()
	// Re-check under the lock: the deposit may have been submitted or the
	// file created while the body was spooling.
	d, err = s.Editable(ctx, depositUUID)
	if err != nil {
		return err
	}
	dest := filepath.Join(d.Path, up.Name)
	if err := checkPresence(dest, replace); err != nil {
		return err
	}
	if replace {
		if err := os.RemoveAll(dest); err != nil {
			return newError(KindInternal, err, "Could not replace file: contact an administrator.")
		}
	}
	if err := fsutil.Move(ctx, spool, dest); err != nil {
		return newError(KindInternal, err, "Could not store file: contact an administrator.")
	}
	if err := s.store.TouchIntake(ctx, d.UUID, s.now()); err != nil {
		return newError(KindInternal, err, "Could not update deposit: contact an administrator.")
	}
	s.logger.Info("file stored in deposit", "deposit_id", d.UUID, "file", up.Name, "replace", replace)
	return nil
}

func checkPresence(path string, mustExist bool) error {
	_, err := os.Lstat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newError(KindInternal, err, "Could not inspect deposit: contact an administrator.")
	}
	switch {
	case mustExist && !exists:
		return errFileMissing
	case !mustExist && exists:
		return errFileExists
	}
	return nil
}

func spoolWithMD5(path string, body io.Reader) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o660)
	if err != nil {
		return nil, err
	}
	h := sword.NewContentHash()
	if _, err := io.Copy(f, io.TeeReader(body, h)); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// DeleteFile removes one entry of the deposit.
func (s *Service) DeleteFile(ctx context.Context, depositUUID, name string) error {
	if !fsutil.SafeName(name) {
		return newError(KindBadRequest, nil, "Invalid filename %q.", name)
	}
	defer s.lock(depositUUID)()

	d, err := s.Editable(ctx, depositUUID)
	if err != nil {
		return err
	}
	path := filepath.Join(d.Path, name)
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return newError(KindNotFound, err, "The file %s does not exist in this deposit.", name)
	}
	if err := os.RemoveAll(path); err != nil {
		return newError(KindInternal, err, "Could not delete file: contact an administrator.")
	}
	return nil
}

// DeleteAllFiles empties the deposit directory.
func (s *Service) DeleteAllFiles(ctx context.Context, depositUUID string) error {
	defer s.lock(depositUUID)()

	d, err := s.Editable(ctx, depositUUID)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return newError(KindInternal, err, "Could not read deposit directory: contact an administrator.")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.Path, e.Name())); err != nil {
			return newError(KindInternal, err, "Could not delete file: contact an administrator.")
		}
	}
	return nil
}

// ListFiles returns the names of the deposit's top-level entries, sorted.
func (s *Service) ListFiles(ctx context.Context, depositUUID string) ([]string, error) {
	d, err := s.Editable(ctx, depositUUID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, newError(KindInternal, err, "Could not read deposit directory: contact an administrator.")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
