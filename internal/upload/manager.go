// Package upload tracks attachments from local pick through backend upload
// and processing.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/modelchat/internal/backend"
	"github.com/liliang-cn/modelchat/internal/config"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollTimeout  = 2 * time.Minute
)

// File is a raw file picked or dropped by the user.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Manager owns the attachment list of the composer.
type Manager struct {
	backend  backend.Backend
	previews *Previews
	cfg      config.UploadConfig
	logger   *zap.Logger

	mu       sync.Mutex
	files    []*domain.UploadedFile
	inflight map[string]context.CancelFunc
	sources  map[string]File
	dragging bool
	onChange func(domain.UploadedFile)
}

// NewManager creates a manager.
func NewManager(b backend.Backend, previews *Previews, cfg config.UploadConfig, logger *zap.Logger) *Manager {
	if previews == nil {
		previews = NewPreviews()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Manager{
		backend:  b,
		previews: previews,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
		sources:  make(map[string]File),
	}
}

// OnChange registers fn to receive a snapshot after every change to a file.
// fn must not call back into the manager.
func (m *Manager) OnChange(fn func(domain.UploadedFile)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Previews returns the object URL registry.
func (m *Manager) Previews() *Previews {
	return m.previews
}

// ProcessAndAddFiles adds files to the attachment list and uploads every
// supported one concurrently. It waits for all of them and returns their
// final snapshots. Failures are recorded per file and never returned.
func (m *Manager) ProcessAndAddFiles(ctx context.Context, files []File) []domain.UploadedFile {
	ids := make([]string, 0, len(files))
	type job struct {
		id     string
		file   File
		ctx    context.Context
		cancel context.CancelFunc
	}
	var jobs []job

	for _, file := range files {
		id, ok := m.admit(file)
		ids = append(ids, id)
		if !ok {
			continue
		}
		fctx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.inflight[id] = cancel
		m.mu.Unlock()
		jobs = append(jobs, job{id: id, file: file, ctx: fctx, cancel: cancel})
	}

	var g errgroup.Group
	if m.cfg.MaxConcurrent > 0 {
		g.SetLimit(m.cfg.MaxConcurrent)
	}
	for _, j := range jobs {
		g.Go(func() error {
			m.upload(j.ctx, j.cancel, j.id, j.file)
			return nil
		})
	}
	_ = g.Wait()

	return m.snapshots(ids)
}

// admit creates the entry for file. Unsupported or oversized files are
// rejected on the spot; the rest start pending with a preview if they are
// images.
func (m *Manager) admit(file File) (string, bool) {
	f := &domain.UploadedFile{
		ID:       uuid.NewString(),
		Name:     file.Name,
		MIMEType: file.MIMEType,
		Size:     int64(len(file.Data)),
	}

	var rejected error
	switch {
	case !domain.IsSupportedMIME(file.MIMEType):
		rejected = fmt.Errorf("%w: %s", domain.ErrUnsupportedFileType, file.MIMEType)
	case m.cfg.MaxFileBytes > 0 && f.Size > m.cfg.MaxFileBytes:
		rejected = fmt.Errorf("%w: %d bytes", domain.ErrFileTooLarge, f.Size)
	}

	if rejected != nil {
		f.UploadState = domain.UploadStateFailed
		f.Error = rejected.Error()
		f.ErrorKind = domain.KindOf(rejected)
		m.logger.Info("Rejected file", zap.String("name", file.Name), zap.Error(rejected))
	} else {
		f.UploadState = domain.UploadStatePending
		if domain.CategoryOf(file.MIMEType) == domain.CategoryImage {
			f.DataURL = dataURL(file.MIMEType, file.Data)
			f.ObjectURL = m.previews.Create(f.ID)
		}
	}

	m.mu.Lock()
	m.files = append(m.files, f)
	if rejected == nil {
		m.sources[f.ID] = file
	}
	snap := *f
	m.mu.Unlock()
	m.notify(snap)

	return f.ID, rejected == nil
}

func (m *Manager) upload(ctx context.Context, cancel context.CancelFunc, id string, file File) {
	defer cancel()
	log := m.logger.With(zap.String("file_id", id), zap.String("name", file.Name))

	if !m.transition(id, domain.UploadStateUploading, nil) {
		m.clearInflight(id)
		return
	}
	log.Debug("Uploading file", zap.Int("bytes", len(file.Data)))

	meta, err := m.backend.UploadFile(ctx, bytes.NewReader(file.Data), int64(len(file.Data)), file.MIMEType, file.Name)
	if err == nil && meta.State == domain.FileStateProcessing {
		m.transition(id, domain.UploadStateProcessingAPI, func(f *domain.UploadedFile) {
			f.Progress = 100
			f.FileAPIName = meta.Name
		})
		meta, err = m.poll(ctx, meta.Name)
	}
	m.finish(ctx, log, id, meta, err)
}

// poll waits for a processing file to leave the PROCESSING state.
func (m *Manager) poll(ctx context.Context, name string) (*domain.FileMetadata, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pctx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", domain.ErrUploadTimeout, name)
		case <-ticker.C:
		}

		meta, found, err := m.backend.GetFileMetadata(pctx, name)
		if err != nil {
			if pctx.Err() != nil {
				continue
			}
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, name)
		}
		if meta.State != domain.FileStateProcessing {
			return meta, nil
		}
	}
}

// finish moves a file to its terminal state once the in-flight call has
// unwound.
func (m *Manager) finish(ctx context.Context, log *zap.Logger, id string, meta *domain.FileMetadata, err error) {
	m.clearInflight(id)

	switch {
	case err != nil && (ctx.Err() != nil || domain.IsAbort(err)):
		var preview string
		m.transition(id, domain.UploadStateCancelled, func(f *domain.UploadedFile) {
			preview = f.ObjectURL
			f.ObjectURL = ""
			f.Cancelling = false
			f.Error = "Upload cancelled"
			f.ErrorKind = domain.KindAborted
		})
		m.previews.Revoke(preview)
		log.Info("Upload cancelled")

	case err != nil:
		logging.Error(log, "Upload failed", err)
		m.transition(id, domain.UploadStateFailed, func(f *domain.UploadedFile) {
			f.Cancelling = false
			f.Error = err.Error()
			f.ErrorKind = domain.KindOf(err)
		})

	case meta.State == domain.FileStateFailed:
		msg := meta.Error
		if msg == "" {
			msg = "file processing failed"
		}
		log.Warn("Backend failed to process file", zap.String("error", msg))
		m.transition(id, domain.UploadStateFailed, func(f *domain.UploadedFile) {
			applyMetadata(f, meta)
			f.Cancelling = false
			f.Error = msg
			f.ErrorKind = domain.KindNetwork
		})

	default:
		ok := m.transition(id, domain.UploadStateActive, func(f *domain.UploadedFile) {
			applyMetadata(f, meta)
			f.Cancelling = false
			f.Progress = 100
		})
		if ok {
			m.mu.Lock()
			delete(m.sources, id)
			m.mu.Unlock()
			log.Info("File active", zap.String("file_api_name", meta.Name))
		}
	}
}

func applyMetadata(f *domain.UploadedFile, meta *domain.FileMetadata) {
	f.FileAPIName = meta.Name
	f.FileURI = meta.URI
	// by-id entries start out named after the resource
	if meta.DisplayName != "" && (f.Name == "" || f.Name == meta.Name) {
		f.Name = meta.DisplayName
	}
	if meta.MIMEType != "" {
		f.MIMEType = meta.MIMEType
	}
	if meta.SizeBytes > 0 {
		f.Size = meta.SizeBytes
	}
}

// CancelUpload aborts the in-flight call for id. The entry is marked as
// cancelling right away and reaches its terminal state once the call unwinds.
func (m *Manager) CancelUpload(id string) error {
	m.mu.Lock()
	_, f := m.find(id)
	if f == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}
	cancel, ok := m.inflight[id]
	if !ok || !f.IsProcessing() {
		m.mu.Unlock()
		return nil
	}
	f.Cancelling = true
	snap := *f
	m.mu.Unlock()

	m.notify(snap)
	cancel()
	return nil
}

// AddFileByID attaches a file that already lives on the backend. A file the
// backend does not know ends up as a failed entry, not an error.
func (m *Manager) AddFileByID(ctx context.Context, rawID string) (domain.UploadedFile, error) {
	name, err := domain.NormalizeFileID(rawID)
	if err != nil {
		return domain.UploadedFile{}, fmt.Errorf("%w: %q", err, rawID)
	}

	m.mu.Lock()
	for _, f := range m.files {
		if f.FileAPIName == name {
			m.mu.Unlock()
			return domain.UploadedFile{}, fmt.Errorf("%w: %s", domain.ErrAlreadyAttached, name)
		}
	}
	f := &domain.UploadedFile{
		ID:          uuid.NewString(),
		Name:        name,
		FileAPIName: name,
		UploadState: domain.UploadStateProcessingAPI,
		Progress:    100,
	}
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.files = append(m.files, f)
	m.inflight[f.ID] = cancel
	snap := *f
	m.mu.Unlock()
	m.notify(snap)

	log := m.logger.With(zap.String("file_id", f.ID), zap.String("file_api_name", name))
	meta, found, err := m.backend.GetFileMetadata(fctx, name)
	if err == nil && !found {
		err = fmt.Errorf("%w: %s", domain.ErrNotFound, name)
	}
	if err == nil && meta.State == domain.FileStateProcessing {
		meta, err = m.poll(fctx, name)
	}
	m.finish(fctx, log, f.ID, meta, err)

	out, _ := m.snapshot(f.ID)
	return out, nil
}

// RemoveFile drops id from the list, aborting its upload if one is running.
func (m *Manager) RemoveFile(id string) error {
	m.mu.Lock()
	i, f := m.find(id)
	if f == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}
	if cancel, ok := m.inflight[id]; ok {
		cancel()
		delete(m.inflight, id)
	}
	m.files = append(m.files[:i], m.files[i+1:]...)
	delete(m.sources, id)
	preview := f.ObjectURL
	m.mu.Unlock()

	m.previews.Revoke(preview)
	return nil
}

// RetryUpload replaces a failed or cancelled local file with a fresh pending
// entry in the same list position and waits for its upload. The old entry
// keeps its terminal state and disappears from the list; the returned file
// carries the new id.
func (m *Manager) RetryUpload(ctx context.Context, id string) (domain.UploadedFile, error) {
	m.mu.Lock()
	i, old := m.find(id)
	if old == nil {
		m.mu.Unlock()
		return domain.UploadedFile{}, fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}
	src, ok := m.sources[id]
	if !ok || (old.UploadState != domain.UploadStateFailed && old.UploadState != domain.UploadStateCancelled) {
		m.mu.Unlock()
		return domain.UploadedFile{}, fmt.Errorf("%w: file %s cannot be retried in state %s", domain.ErrInvalidRequest, id, old.UploadState)
	}

	f := &domain.UploadedFile{
		ID:          uuid.NewString(),
		Name:        old.Name,
		MIMEType:    old.MIMEType,
		Size:        old.Size,
		DataURL:     old.DataURL,
		UploadState: domain.UploadStatePending,
	}
	if f.DataURL != "" {
		f.ObjectURL = m.previews.Create(f.ID)
	}
	m.files[i] = f
	delete(m.sources, id)
	m.sources[f.ID] = src
	stale := old.ObjectURL

	fctx, cancel := context.WithCancel(ctx)
	m.inflight[f.ID] = cancel
	snap := *f
	m.mu.Unlock()

	m.previews.Revoke(stale)
	m.logger.Info("Retrying upload", zap.String("file_id", id), zap.String("retry_id", f.ID))
	m.notify(snap)

	m.upload(fctx, cancel, f.ID, src)
	out, _ := m.snapshot(f.ID)
	return out, nil
}

// Take removes the given active files from the list and returns them in the
// given order for attaching to a message. Their preview URLs are released;
// the message keeps the data URL.
func (m *Manager) Take(ids []string) ([]domain.UploadedFile, error) {
	m.mu.Lock()
	out := make([]domain.UploadedFile, 0, len(ids))
	for _, id := range ids {
		_, f := m.find(id)
		if f == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
		}
		if f.UploadState != domain.UploadStateActive {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: file %s is %s", domain.ErrInvalidRequest, f.Name, f.UploadState)
		}
		out = append(out, *f)
	}
	for _, id := range ids {
		if i, _ := m.find(id); i >= 0 {
			m.files = append(m.files[:i], m.files[i+1:]...)
		}
		delete(m.sources, id)
	}
	m.mu.Unlock()

	for i := range out {
		m.previews.Revoke(out[i].ObjectURL)
		out[i].ObjectURL = ""
	}
	return out, nil
}

// Reset aborts every upload and empties the list.
func (m *Manager) Reset() {
	m.mu.Lock()
	files := m.files
	for _, cancel := range m.inflight {
		cancel()
	}
	m.files = nil
	m.inflight = make(map[string]context.CancelFunc)
	m.sources = make(map[string]File)
	m.dragging = false
	m.mu.Unlock()

	for _, f := range files {
		m.previews.Revoke(f.ObjectURL)
	}
}

// Files returns snapshots of the attachment list in order.
func (m *Manager) Files() []domain.UploadedFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UploadedFile, len(m.files))
	for i, f := range m.files {
		out[i] = *f
	}
	return out
}

// Get returns a snapshot of one file.
func (m *Manager) Get(id string) (domain.UploadedFile, bool) {
	return m.snapshot(id)
}

// DragEnter sets the dragging flag. It is ignored while any file is in
// flight and reports whether the flag was set.
func (m *Manager) DragEnter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busyLocked() {
		return false
	}
	m.dragging = true
	return true
}

// DragLeave clears the dragging flag.
func (m *Manager) DragLeave() {
	m.mu.Lock()
	m.dragging = false
	m.mu.Unlock()
}

// Dragging reports the dragging flag.
func (m *Manager) Dragging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dragging
}

// Drop clears the dragging flag and processes files. A drop while any file
// is in flight is discarded, not queued; the bool reports which happened.
func (m *Manager) Drop(ctx context.Context, files []File) ([]domain.UploadedFile, bool) {
	m.mu.Lock()
	m.dragging = false
	busy := m.busyLocked()
	m.mu.Unlock()

	if busy || len(files) == 0 {
		return nil, false
	}
	return m.ProcessAndAddFiles(ctx, files), true
}

func (m *Manager) busyLocked() bool {
	for _, f := range m.files {
		if f.IsProcessing() {
			return true
		}
	}
	return false
}

func (m *Manager) find(id string) (int, *domain.UploadedFile) {
	for i, f := range m.files {
		if f.ID == id {
			return i, f
		}
	}
	return -1, nil
}

func (m *Manager) snapshot(id string) (domain.UploadedFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, f := m.find(id); f != nil {
		return *f, true
	}
	return domain.UploadedFile{}, false
}

func (m *Manager) snapshots(ids []string) []domain.UploadedFile {
	out := make([]domain.UploadedFile, 0, len(ids))
	for _, id := range ids {
		if f, ok := m.snapshot(id); ok {
			out = append(out, f)
		}
	}
	return out
}

func (m *Manager) clearInflight(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

// transition moves id to next if that is a forward step, applying mutate
// under the lock. It reports false when the file is gone or the step is not
// allowed.
func (m *Manager) transition(id string, next domain.UploadState, mutate func(f *domain.UploadedFile)) bool {
	m.mu.Lock()
	_, f := m.find(id)
	if f == nil || !f.UploadState.CanTransition(next) {
		m.mu.Unlock()
		return false
	}
	f.UploadState = next
	if mutate != nil {
		mutate(f)
	}
	snap := *f
	m.mu.Unlock()

	m.notify(snap)
	return true
}

func (m *Manager) notify(f domain.UploadedFile) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ErrorMessage is the user-facing text for a failed file.
func ErrorMessage(f domain.UploadedFile) string {
	if f.ErrorKind == domain.KindConfiguration {
		return "API key is not configured. Add it in settings and retry."
	}
	return f.Error
}
