package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	// Source decoders. AVIF is not accepted as a source format.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/gen2brain/webp"

	"github.com/rs/zerolog"

	"github.com/image-mill/image-mill/variant"
)

const (
	originalsDir = "originals"
	processedDir = "processed"
	tmpDir       = "tmp"
)

// Store is the path-addressable persistence layer for originals and
// derivatives. Artifact bytes live on disk under the root; metadata
// lives in the Index. All writes publish atomically, so readers
// (including a reverse proxy serving the layout directly) never
// observe partial content.
type Store struct {
	root  string
	index Index
	log   zerolog.Logger
}

// New prepares the storage layout under root and sweeps temp files
// orphaned by a previous crash.
func New(root string, index Index, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		root:  root,
		index: index,
		log:   logger.With().Str("component", "storage").Logger(),
	}
	for _, dir := range []string{root, s.abs(originalsDir), s.abs(processedDir), s.abs(tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, classify("create storage layout", err)
		}
	}
	s.sweepTmp()
	return s, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// PutOriginal stores uploaded source bytes. The real format and the
// dimensions are sniffed from the content; the declared extension is
// advisory only (browsers lie). Identical bytes dedup to the existing
// original.
func (s *Store) PutOriginal(b []byte, declaredExt string) (Original, error) {
	cfg, decoder, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return Original{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	ext, ok := extForDecoder(decoder)
	if !ok {
		return Original{}, fmt.Errorf("%w: %s source", ErrUnsupportedImage, decoder)
	}
	if declaredExt != "" && variant.MIMEForExt(declaredExt) != variant.MIMEForExt(ext) {
		s.log.Debug().Str("declared", declaredExt).Str("sniffed", ext).Msg("Declared format differs from content")
	}

	sum := sha256.Sum256(b)
	hash := hex.EncodeToString(sum[:])
	id := hash[:32]

	if existing, ok, err := s.index.GetOriginal(id); err == nil && ok {
		if _, statErr := os.Stat(s.abs(existing.Path)); statErr == nil {
			s.log.Trace().Str("id", id).Msg("Original already stored")
			return existing, nil
		}
		// record without file: fall through and rewrite
	}

	rel := filepath.Join(originalsDir, id+"."+ext)
	if err := s.writeAtomic(s.abs(rel), b); err != nil {
		return Original{}, err
	}
	o := Original{
		ID:        id,
		Hash:      hash,
		Format:    ext,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Size:      int64(len(b)),
		Path:      rel,
		CreatedAt: time.Now(),
	}
	if err := s.index.PutOriginal(o); err != nil {
		return Original{}, classify("record original", err)
	}
	s.log.Debug().
		Str("id", id).
		Str("format", ext).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int64("bytes", o.Size).
		Msg("Stored original")
	return o, nil
}

// Original returns the stored original with the given id, or
// ErrOriginalNotFound.
func (s *Store) Original(id string) (Original, error) {
	o, ok, err := s.index.GetOriginal(id)
	if err != nil {
		return Original{}, classify("lookup original", err)
	}
	if !ok {
		return Original{}, ErrOriginalNotFound
	}
	return o, nil
}

// ReadOriginal returns the source bytes for a stored original.
func (s *Store) ReadOriginal(o Original) ([]byte, error) {
	b, err := os.ReadFile(s.abs(o.Path))
	if err != nil {
		return nil, classify("read original", err)
	}
	return b, nil
}

// PathFor returns the artifact path for a key, relative to the root:
// processed/{format}/{original_id}/{width}.{ext}. srcExt supplies the
// extension when the key keeps the original format.
func (s *Store) PathFor(key variant.Key, srcExt string) string {
	return filepath.Join(processedDir, string(key.Format), key.OriginalID,
		fmt.Sprintf("%d.%s", key.Width, key.Format.Ext(srcExt)))
}

// Exists reports whether the artifact for the key is on disk.
func (s *Store) Exists(key variant.Key, srcExt string) bool {
	_, err := os.Stat(s.abs(s.PathFor(key, srcExt)))
	return err == nil
}

// Read returns the artifact bytes for the key.
func (s *Store) Read(key variant.Key, srcExt string) ([]byte, error) {
	b, err := os.ReadFile(s.abs(s.PathFor(key, srcExt)))
	if err != nil {
		return nil, classify("read derivative", err)
	}
	return b, nil
}

// WriteAtomic publishes derivative bytes for the key and returns the
// artifact path relative to the root.
func (s *Store) WriteAtomic(key variant.Key, srcExt string, b []byte) (string, error) {
	rel := s.PathFor(key, srcExt)
	if err := s.writeAtomic(s.abs(rel), b); err != nil {
		return "", err
	}
	s.log.Trace().Str("key", key.String()).Int("bytes", len(b)).Msg("Published derivative")
	return rel, nil
}

// writeAtomic writes b to a temp file on the same filesystem, then
// renames it into place.
func (s *Store) writeAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(s.abs(tmpDir), "put-*")
	if err != nil {
		return classify("create temp file", err)
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(b); err != nil {
		return classify("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return classify("close temp file", err)
	}
	// CreateTemp gives 0600; artifacts are read by the proxy user.
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return classify("chmod temp file", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return classify("create artifact dir", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return classify("publish artifact", err)
	}
	success = true
	return nil
}

// sweepTmp drops temp files left behind by a crash. In-flight writes
// belong to this instance only, so anything present at startup is
// garbage.
func (s *Store) sweepTmp() {
	entries, err := os.ReadDir(s.abs(tmpDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.abs(tmpDir), e.Name())); err == nil {
			s.log.Debug().Str("file", e.Name()).Msg("Removed orphaned temp file")
		}
	}
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, rel)
}

// extForDecoder maps image.DecodeConfig's format name to the canonical
// storage extension, allowing only supported source formats through.
func extForDecoder(decoder string) (string, bool) {
	switch decoder {
	case "jpeg":
		return "jpg", true
	case "png":
		return "png", true
	case "gif":
		return "gif", true
	case "webp":
		return "webp", true
	}
	return "", false
}
