package statemap

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Omena0/statemap/utils"
	"github.com/pkg/errors"
)

// File persists the whole state to a single file, overwriting it on every
// mutation. Writes are not atomic: a crash mid-write can leave a corrupt
// file, which the next Load treats as empty.
type File struct {
	path  string
	codec Codec
	log   utils.Logger
}

type FileOpt func(*File)

func FileWithCodec(c Codec) FileOpt {
	return func(f *File) { f.codec = c }
}

func FileWithLogger(l utils.Logger) FileOpt {
	return func(f *File) { f.log = l }
}

func NewFile(path string, opts ...FileOpt) *File {
	f := &File{
		path:  path,
		codec: JSONCodec{},
		log:   utils.NewDefaultLogger(slog.LevelInfo),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load reads the backing file. A missing file or a failed decode resets
// the state to empty rather than surfacing an error; anything else (e.g.
// a permission failure) is reported.
func (f *File) Load() (State, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, nil
		}
		return nil, errors.Wrapf(err, "statemap: read %s", f.path)
	}
	state, err := f.codec.Unmarshal(raw)
	if err != nil {
		f.log.Warn("file: unreadable state, resetting", "path", f.path, "err", err)
		return State{}, nil
	}
	return state, nil
}

// Persist serializes the whole state and overwrites the file, creating
// parent directories as needed.
func (f *File) Persist(state State) error {
	raw, err := f.codec.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "statemap: encode state for %s", f.path)
	}
	if dir := filepath.Dir(f.path); dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "statemap: create %s", dir)
		}
	}
	return errors.Wrapf(os.WriteFile(f.path, raw, 0o644), "statemap: write %s", f.path)
}
