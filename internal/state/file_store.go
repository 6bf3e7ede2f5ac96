package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// fileVersion is bumped whenever the persisted layout changes incompatibly.
const fileVersion = 1

type stateFile struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	State
}

// FileStore keeps alert state in a JSON file so a restart does not announce
// statuses that were already delivered. Unreadable files are moved aside and
// alerting starts over.
type FileStore struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("state_path", path).Logger(),
		now:    time.Now,
	}
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Msg("no alert state on disk, starting fresh")
		return emptyState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.quarantine(err)
		return emptyState(), nil
	}
	if file.Version != fileVersion {
		s.logger.Warn().Int("version", file.Version).Int("want", fileVersion).Msg("alert state written by another version, starting fresh")
		return emptyState(), nil
	}
	if file.Hosts == nil {
		file.Hosts = map[string]HostSnapshot{}
	}
	return file.State, nil
}

// Save implements Store. The file is replaced atomically.
func (s *FileStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.Hosts == nil {
		state.Hosts = map[string]HostSnapshot{}
	}

	data, err := json.MarshalIndent(stateFile{
		Version: fileVersion,
		SavedAt: s.now().UTC(),
		State:   state,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeAtomic(s.path, data)
}

// quarantine keeps a corrupt file for inspection instead of overwriting it
// on the next save.
func (s *FileStore) quarantine(cause error) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, aside); err != nil {
		s.logger.Warn().Err(cause).AnErr("rename_error", err).Msg("alert state unreadable, starting fresh")
		return
	}
	s.logger.Warn().Err(cause).Str("moved_to", aside).Msg("alert state unreadable, starting fresh")
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func emptyState() State {
	return State{Hosts: map[string]HostSnapshot{}}
}
