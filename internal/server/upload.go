package server

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/madvault/madserve/internal/errors"
)

const (
	// uploadField is the multipart field carrying the image.
	uploadField = "image"
	// multipartSlack covers boundaries and part headers on top of the file.
	multipartSlack = 64 * 1024
	defaultExt     = ".jpg"
)

// errUploadTooLarge is returned when the image exceeds the size limit.
var errUploadTooLarge = errors.New("upload exceeds size limit")

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// upload is an image stored in the upload directory.
type upload struct {
	path        string
	name        string
	size        int64
	contentType string
}

// receiveUpload streams the "image" part of a multipart request into the
// upload directory. Other parts are skipped. The caller removes the file.
func (s *Server) receiveUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+multipartSlack)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperrors.NewValidationError("No image file provided").WithCause(err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apperrors.NewValidationError("No image file provided").WithField(uploadField)
		}
		if err != nil {
			return nil, bodyError(err)
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		up, err := s.storePart(part)
		_ = part.Close()
		return up, err
	}
}

func (s *Server) storePart(part *multipart.Part) (*upload, error) {
	contentType := part.Header.Get("Content-Type")
	if !s.allowedTypes.MatchString(contentType) {
		return nil, apperrors.NewValidationError("Only image files are accepted").
			WithField(uploadField).
			WithValue(contentType)
	}

	path := filepath.Join(s.uploadDir, uploadName(s.now(), part.FileName()))
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	n, copyErr := io.Copy(f, io.LimitReader(part, s.maxBytes+1))
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		err = bodyError(copyErr)
	case n > s.maxBytes:
		err = errUploadTooLarge
	case closeErr != nil:
		err = fmt.Errorf("write upload file: %w", closeErr)
	}
	if err != nil {
		s.removeUpload(path)
		return nil, err
	}

	return &upload{
		path:        path,
		name:        part.FileName(),
		size:        n,
		contentType: contentType,
	}, nil
}

func (s *Server) removeUpload(path string) {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove upload", "path", path, "error", err)
	}
}

// bodyError classifies a failure while reading the request body.
func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errUploadTooLarge
	}
	return apperrors.NewValidationError("Malformed multipart body").WithCause(err)
}

// uploadName builds upload-<unixms>-<random><ext>. The extension comes from
// the client's file name, lowercased, and defaults to .jpg.
func uploadName(now time.Time, clientName string) string {
	ext := strings.ToLower(filepath.Ext(clientName))
	if !extPattern.MatchString(ext) {
		ext = defaultExt
	}
	return "upload-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatUint(rand.Uint64(), 36) + ext
}
