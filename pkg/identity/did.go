package identity

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/pkg/file"
)

// DIDSource supplies an externally issued decentralized identifier, once one exists.
type DIDSource interface {
	// DID returns the identifier and its document, ok is false when none is available yet.
	DID() (id string, doc json.RawMessage, ok bool)
}

// FileDIDSource reads a DID document from a JSON file on every call, so a document
// provisioned after startup is picked up by the next registration attempt.
type FileDIDSource struct {
	path    string
	fileOps file.FileOperations
	logger  zerolog.Logger
}

// NewFileDIDSource creates a DIDSource for the document at path. An empty path disables it.
func NewFileDIDSource(path string, fileOps file.FileOperations, logger zerolog.Logger) *FileDIDSource {
	return &FileDIDSource{path: path, fileOps: fileOps, logger: logger}
}

// DID implements DIDSource.
func (s *FileDIDSource) DID() (string, json.RawMessage, bool) {
	if s == nil || s.path == "" {
		return "", nil, false
	}

	raw, err := s.fileOps.ReadFileRaw(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to read DID document")
		}
		return "", nil, false
	}

	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("DID document is not valid JSON")
		return "", nil, false
	}
	if !strings.HasPrefix(doc.ID, "did:") {
		s.logger.Warn().Str("id", doc.ID).Msg("DID document has no did: identifier")
		return "", nil, false
	}
	return doc.ID, json.RawMessage(raw), true
}
