package service

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/upload"
	"go.uber.org/zap"
)

const octetStream = "application/octet-stream"

// FileService reads multipart uploads into the upload manager.
type FileService struct {
	uploads  *upload.Manager
	maxBytes int64
	logger   *zap.Logger
}

// NewFileService creates a new file service
func NewFileService(uploads *upload.Manager, maxBytes int64, logger *zap.Logger) *FileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileService{uploads: uploads, maxBytes: maxBytes, logger: logger}
}

// DetectMIMEType picks the MIME type of an upload: the declared type unless
// it is missing or generic, else one derived from the extension.
func DetectMIMEType(filename, declared string) string {
	if declared != "" {
		if base, _, err := mime.ParseMediaType(declared); err == nil && base != octetStream {
			return base
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", ".log":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".go", ".py", ".ts", ".tsx", ".jsx", ".rs", ".java", ".c", ".h", ".cpp", ".rb", ".sh":
		return "text/plain"
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".heic":
		return "image/heic"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mp3"
	case ".wav":
		return "audio/wav"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if base, _, err := mime.ParseMediaType(t); err == nil {
			return base
		}
	}
	return octetStream
}

// ReadFiles loads multipart files into memory. Files over the size ceiling
// are read only one byte past it so the manager rejects them.
func (s *FileService) ReadFiles(headers []*multipart.FileHeader) ([]upload.File, error) {
	files := make([]upload.File, 0, len(headers))
	for _, fh := range headers {
		f, err := s.readFile(fh)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *FileService) readFile(fh *multipart.FileHeader) (upload.File, error) {
	src, err := fh.Open()
	if err != nil {
		return upload.File{}, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	var r io.Reader = src
	if s.maxBytes > 0 {
		r = io.LimitReader(src, s.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return upload.File{}, fmt.Errorf("failed to read uploaded file: %w", err)
	}

	return upload.File{
		Name:     filepath.Base(fh.Filename),
		MIMEType: DetectMIMEType(fh.Filename, fh.Header.Get("Content-Type")),
		Data:     data,
	}, nil
}

// Upload adds and uploads multipart files, waiting for all of them.
func (s *FileService) Upload(ctx context.Context, headers []*multipart.FileHeader) ([]domain.UploadedFile, error) {
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: no files", domain.ErrInvalidRequest)
	}
	files, err := s.ReadFiles(headers)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Uploading files", zap.Int("count", len(files)))
	return s.uploads.ProcessAndAddFiles(ctx, files), nil
}

// Manager returns the underlying upload manager.
func (s *FileService) Manager() *upload.Manager {
	return s.uploads
}
