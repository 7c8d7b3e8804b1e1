// Package artifact stores fetched CSV files as immutable, timestamped
// artifacts with a JSON manifest beside each file.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"

	"github.com/socascores/ingester/internal/models"
)

const (
	dataExt     = ".csv"
	manifestExt = ".json"
	stampLayout = "20060102T150405.000000000Z"
)

// ErrNotFound is returned when a season has no stored artifact.
var ErrNotFound = errors.New("artifact not found")

// Store is an append-only artifact directory laid out as
// <root>/<league>/<season>/<fetched_at>_<id>.csv.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

// NewID returns a ULID for an artifact fetched at t. Lexical order of ids
// follows fetch order.
func NewID(t time.Time) string {
	return ulid.MustNewDefault(t).String()
}

// HashBytes is the content hash recorded on artifacts.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Write persists body as a new artifact and its manifest. Identity fields
// (league, season, url, fetched_at, columns, row count) come from meta;
// id, path, hash and size are filled in. Existing files are never replaced.
func (s *Store) Write(meta models.RawArtifact, body []byte) (*models.RawArtifact, error) {
	if meta.LeagueID == "" || meta.SeasonID == "" {
		return nil, errors.New("artifact league and season are required")
	}
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = time.Now().UTC()
	}
	meta.FetchedAt = meta.FetchedAt.UTC()
	if meta.ID == "" {
		meta.ID = NewID(meta.FetchedAt)
	}
	if meta.ContentHash == "" {
		meta.ContentHash = HashBytes(body)
	}
	meta.SizeBytes = int64(len(body))

	dir := filepath.Join(s.root, safeSegment(meta.LeagueID), safeSegment(meta.SeasonID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	base := meta.FetchedAt.Format(stampLayout) + "_" + meta.ID
	dataPath := filepath.Join(dir, base+dataExt)
	meta.StoragePath = dataPath

	if err := writeExclusive(dataPath, body); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	// A data file without its manifest is not an artifact.
	manifest, err := sonic.ConfigStd.MarshalIndent(&meta, "", "  ")
	if err != nil {
		_ = os.Remove(dataPath)
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeExclusive(manifestPath(dataPath), manifest); err != nil {
		_ = os.Remove(dataPath)
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return &meta, nil
}

// ReadManifest decodes a manifest file. A path to the data file is accepted too.
func ReadManifest(path string) (*models.RawArtifact, error) {
	if strings.HasSuffix(path, dataExt) {
		path = manifestPath(path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var meta models.RawArtifact
	if err := sonic.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if meta.ID == "" || meta.StoragePath == "" {
		return nil, fmt.Errorf("manifest %s is incomplete", path)
	}
	return &meta, nil
}

// Open returns a read-only handle on the artifact's bytes.
func Open(meta *models.RawArtifact) (io.ReadCloser, error) {
	f, err := os.Open(meta.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", meta.ID, err)
	}
	return f, nil
}

// ReadAll loads the artifact's bytes.
func ReadAll(meta *models.RawArtifact) ([]byte, error) {
	rc, err := Open(meta)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	return io.ReadAll(rc)
}

// List returns a season's artifacts, oldest first.
func (s *Store) List(league, season string) ([]*models.RawArtifact, error) {
	dir := filepath.Join(s.root, safeSegment(league), safeSegment(season))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	var out []*models.RawArtifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), manifestExt) {
			continue
		}
		meta, err := ReadManifest(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].FetchedAt.Before(out[j].FetchedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Latest returns the most recently fetched artifact of a season.
func (s *Store) Latest(league, season string) (*models.RawArtifact, error) {
	all, err := s.List(league, season)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", league, season, ErrNotFound)
	}
	return all[len(all)-1], nil
}

func writeExclusive(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func manifestPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, dataExt) + manifestExt
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
