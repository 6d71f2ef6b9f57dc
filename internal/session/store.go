package session

import (
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
	"github.com/GriffinCanCode/earshot/internal/metrics"
)

const fileExt = ".json"

// Store keeps one JSON document per session in a directory.
type Store struct {
	dir     string
	metrics *metrics.Metrics
}

// NewStore creates dir if needed.
func NewStore(dir string, m *metrics.Metrics) (*Store, error) {
	if m == nil {
		m = metrics.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.StorageFailure, "create session directory %s", dir)
	}
	return &Store{dir: dir, metrics: m}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.Wrapf(err, apperrors.InvalidArgument, "invalid session id %q", id)
	}
	return nil
}

func (s *Store) path(id string) string { return filepath.Join(s.dir, id+fileExt) }

// Save writes the session to a temp file in the same directory, syncs it and
// renames it over the committed path.
func (s *Store) Save(sess *Session) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.SessionSaves.WithLabelValues(result).Inc()
	}()

	if err := validateID(sess.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.StorageFailure, "serialize session")
	}

	tmp, err := os.CreateTemp(s.dir, "."+sess.ID+"-*.tmp")
	if err != nil {
		return apperrors.Wrap(err, apperrors.StorageFailure, "create temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.Wrap(err, apperrors.StorageFailure, "write session")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.Wrap(err, apperrors.StorageFailure, "sync session")
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.StorageFailure, "close session")
	}
	if err := os.Rename(tmpName, s.path(sess.ID)); err != nil {
		return apperrors.Wrap(err, apperrors.StorageFailure, "commit session")
	}
	committed = true
	slog.Debug("session saved", "id", sess.ID, "transcripts", len(sess.Transcripts), "bytes", len(data))
	return nil
}

// Load reads one session.
func (s *Store) Load(id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Newf(apperrors.NotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.StorageFailure, "read session %s", id)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.StorageFailure, "parse session %s", id)
	}
	return &sess, nil
}

// List returns every readable session, most recently updated first.
// Documents that fail to parse are skipped.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.StorageFailure, "read session directory")
	}

	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != fileExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("skipping unreadable session", "file", name, "error", err)
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			slog.Warn("skipping corrupt session", "file", name, "error", err)
			continue
		}
		sessions = append(sessions, &sess)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Delete removes a session document.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if stderrors.Is(err, fs.ErrNotExist) {
		return apperrors.Newf(apperrors.NotFound, "session %s not found", id)
	}
	if err != nil {
		return apperrors.Wrapf(err, apperrors.StorageFailure, "delete session %s", id)
	}
	slog.Info("session deleted", "id", id)
	return nil
}
