package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/file"
)

// RecordStore is the durable home of the registration record.
type RecordStore interface {
	Load() *Record
	Save(cfg DeviceConfig, opts ...SaveOption) error
	UpdateStatus(status RegistrationStatus, errMsg string) error
	Exists() bool
	Delete() error
}

// SaveOption sets optional record fields on Save.
type SaveOption func(*Record)

// WithReportedModels records the model list last accepted by the gateway.
func WithReportedModels(models []string) SaveOption {
	return func(r *Record) {
		r.ReportedModels = append([]string(nil), models...)
	}
}

// WithDIDDocument records the DID document the device registered with.
func WithDIDDocument(doc json.RawMessage) SaveOption {
	return func(r *Record) {
		r.DIDDoc = append(json.RawMessage(nil), doc...)
	}
}

// FileStore keeps the record in a single JSON file. Writes go through a temp file and rename.
type FileStore struct {
	path    string
	fileOps file.FileOperations
	logger  zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewFileStore creates a FileStore for the record at path.
func NewFileStore(path string, fileOps file.FileOperations, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:    path,
		fileOps: fileOps,
		logger:  logger,
		now:     time.Now,
	}
}

// Load returns the stored record, or nil if it is missing or unreadable.
func (s *FileStore) Load() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() *Record {
	var rec Record
	if err := s.fileOps.ReadJsonFile(s.path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug().Str("path", s.path).Msg("No registration record found")
		} else {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Registration record is unreadable, ignoring it")
		}
		return nil
	}
	return &rec
}

// Save writes cfg, keeping status and extra fields from the previous record unless overridden.
func (s *FileStore) Save(cfg DeviceConfig, opts ...SaveOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.load()
	if rec == nil {
		rec = &Record{}
	}
	rec.DeviceConfig = cfg
	for _, opt := range opts {
		opt(rec)
	}
	return s.write(rec)
}

// UpdateStatus records the outcome of a registration attempt.
func (s *FileStore) UpdateStatus(status RegistrationStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.load()
	if rec == nil {
		rec = &Record{}
	}
	now := s.now()
	rec.RegistrationStatus = status
	rec.RegistrationError = errMsg
	rec.LastRegistrationAttempt = &now
	return s.write(rec)
}

// Exists reports whether a record file is present.
func (s *FileStore) Exists() bool {
	exists, err := s.fileOps.IsFileExists(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to stat registration record")
	}
	return exists
}

// Delete removes the record.
func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fileOps.RemoveFile(s.path); err != nil {
		return fmt.Errorf("%w: delete %s: %w", errdefs.ErrPersistence, s.path, err)
	}
	s.logger.Info().Str("path", s.path).Msg("Registration record deleted")
	return nil
}

func (s *FileStore) write(rec *Record) error {
	rec.Timestamp = s.now()
	if err := s.fileOps.WriteJsonFile(s.path, rec); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to write registration record")
		return fmt.Errorf("%w: write %s: %w", errdefs.ErrPersistence, s.path, err)
	}
	return nil
}
