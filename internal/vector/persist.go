package vector

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// FormatVersion is the on-disk index format. Indexes with another version must be rebuilt.
const FormatVersion = 1

const (
	manifestFile = "manifest.yaml"
	idsFile      = "ids.roaring"
)

// Manifest is the small metadata record written last on every save. An index
// directory without a manifest does not hold an index.
type Manifest struct {
	FormatVersion int       `yaml:"format_version"`
	Backend       string    `yaml:"backend"`
	Dimensions    int       `yaml:"dimensions"`
	Metric        Metric    `yaml:"metric"`
	M             int       `yaml:"m,omitempty"`
	EfSearch      int       `yaml:"ef_search,omitempty"`
	Ml            float64   `yaml:"ml,omitempty"`
	Count         uint64    `yaml:"count"`
	MaxID         uint64    `yaml:"max_id"`
	SavedAt       time.Time `yaml:"saved_at"`
}

// Options returns the tuning recorded in the manifest.
func (m *Manifest) Options() Options {
	return Options{
		Type:       IndexType(m.Backend),
		Dimensions: m.Dimensions,
		Metric:     m.Metric,
		M:          m.M,
		EfSearch:   m.EfSearch,
		Ml:         m.Ml,
	}
}

// ReadManifest loads the manifest in dir. It returns ErrNotFound when there is none.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, corrupt("parse manifest: %v", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, corrupt("format version %d, expected %d", m.FormatVersion, FormatVersion)
	}
	if m.Dimensions <= 0 {
		return nil, corrupt("manifest dimensions %d", m.Dimensions)
	}
	return &m, nil
}

func writeManifest(dir string, m *Manifest) error {
	m.FormatVersion = FormatVersion
	m.SavedAt = time.Now().UTC()
	return writeFileAtomic(filepath.Join(dir, manifestFile), func(w io.Writer) error {
		return yaml.NewEncoder(w).Encode(m)
	})
}

// writeFileAtomic writes to a temp file in the target directory, syncs it, and renames it over path.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := write(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// writeCompressed writes a zstd frame (with content checksum) produced by write.
func writeCompressed(path string, write func(io.Writer) error) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderCRC(true))
		if err != nil {
			return err
		}
		if err := write(enc); err != nil {
			_ = enc.Close()
			return err
		}
		return enc.Close()
	})
}

// readCompressed decodes a zstd file and passes the content to read. The whole frame
// is decoded and its checksum verified before read sees any byte. Decode failures are
// reported as ErrCorruptIndex.
func readCompressed(path string, read func(io.Reader) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return corrupt("missing %s", filepath.Base(path))
		}
		return err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return corrupt("%s: %v", filepath.Base(path), err)
	}
	if err := read(bytes.NewReader(raw)); err != nil {
		if errors.Is(err, ErrCorruptIndex) {
			return err
		}
		return corrupt("%s: %v", filepath.Base(path), err)
	}
	return nil
}

func writeIDs(dir string, ids *roaring64.Bitmap) error {
	return writeCompressed(filepath.Join(dir, idsFile), func(w io.Writer) error {
		_, err := ids.WriteTo(w)
		return err
	})
}

func readIDs(dir string) (*roaring64.Bitmap, error) {
	ids := roaring64.New()
	err := readCompressed(filepath.Join(dir, idsFile), func(r io.Reader) error {
		_, err := ids.ReadFrom(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// checkCounts verifies the decoded id set against the manifest.
func checkCounts(m *Manifest, ids *roaring64.Bitmap) error {
	if ids.GetCardinality() != m.Count {
		return corrupt("id set holds %d ids, manifest records %d", ids.GetCardinality(), m.Count)
	}
	if m.Count > 0 && ids.Maximum() != m.MaxID {
		return corrupt("id set max %d, manifest records %d", ids.Maximum(), m.MaxID)
	}
	return nil
}

func maxOf(ids *roaring64.Bitmap) uint64 {
	if ids.IsEmpty() {
		return 0
	}
	return ids.Maximum()
}
