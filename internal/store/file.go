package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	jsonExt = ".json"
	zstdExt = ".json.zst"
)

type FileOptions struct {
	// Compress stores each document zstd-compressed as <id>.json.zst.
	Compress bool
}

// FileStore keeps one JSON document per session in a single directory,
// named by session id.
type FileStore struct {
	dir string
	ext string

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewFileStore(dir string, opts FileOptions) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	fs := &FileStore{dir: dir, ext: jsonExt}
	if opts.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		fs.ext, fs.encoder, fs.decoder = zstdExt, enc, dec
	}
	return fs, nil
}

// Dir returns the storage directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+f.ext)
}

func (f *FileStore) SaveSession(_ context.Context, sess *Session) error {
	if err := checkSaveable(sess); err != nil {
		return err
	}
	if !validFileID(sess.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sess.ID)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if f.encoder != nil {
		data = f.encoder.EncodeAll(data, nil)
	}

	// Write beside the target and rename so readers never see a partial file.
	tmp, err := os.CreateTemp(f.dir, "."+sess.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmpName, f.path(sess.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session %s: %w", sess.ID, err)
	}
	return nil
}

func (f *FileStore) LoadSession(_ context.Context, id string) (*Session, error) {
	if !validFileID(id) {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	if f.decoder != nil {
		data, err = f.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress session %s: %w", id, err)
		}
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (f *FileStore) DeleteSession(_ context.Context, id string) (bool, error) {
	if !validFileID(id) {
		return false, nil
	}
	err := os.Remove(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	return true, nil
}

func (f *FileStore) ListSessions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list storage dir: %w", err)
	}

	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, f.ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, f.ext))
	}
	return ids, nil
}

func (f *FileStore) Close() error {
	if f.encoder != nil {
		f.encoder.Close()
	}
	if f.decoder != nil {
		f.decoder.Close()
	}
	return nil
}

func validFileID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}
