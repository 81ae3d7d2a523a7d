package reports

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FormatText = "text"
	FormatYAML = "yaml"

	queryMarker  = "[USER QUERY]: "
	reportMarker = "[REPORT]: "
)

// FileStore writes one file per report
type FileStore struct {
	dir    string
	format string
	now    func() time.Time
}

// NewFileStore creates the directory if needed
func NewFileStore(dir, format string) (*FileStore, error) {
	if dir == "" {
		dir = "reports"
	}
	if format == "" {
		format = FormatText
	}
	if format != FormatText && format != FormatYAML {
		return nil, fmt.Errorf("unknown report format %q", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}
	return &FileStore{dir: dir, format: format, now: time.Now}, nil
}

func (s *FileStore) ext() string {
	if s.format == FormatYAML {
		return ".yaml"
	}
	return ".txt"
}

// Path returns where a report of that name is stored
func (s *FileStore) Path(name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, clean+s.ext()), nil
}

// Save implements Store. An existing report of the same name is replaced.
func (s *FileStore) Save(ctx context.Context, name string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	rec.Name = strings.TrimSuffix(filepath.Base(path), s.ext())
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	var data []byte
	if s.format == FormatYAML {
		if data, err = yaml.Marshal(rec); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
	} else {
		data = []byte(EncodeText(rec))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return os.Rename(tmp, path)
}

// Get implements Store
func (s *FileStore) Get(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	path, err := s.Path(name)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Record{}, err
	}

	var rec Record
	if s.format == FormatYAML {
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return Record{}, fmt.Errorf("failed to decode report: %w", err)
		}
	} else {
		rec = DecodeText(string(data))
		if info, err := os.Stat(path); err == nil {
			rec.CreatedAt = info.ModTime().UTC()
		}
	}
	rec.Name = strings.TrimSuffix(filepath.Base(path), s.ext())
	return rec, nil
}

// List implements Store, newest first
func (s *FileStore) List(ctx context.Context, limit int) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != s.ext() {
			continue
		}
		rec, err := s.Get(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EncodeText renders the plain text layout
func EncodeText(rec Record) string {
	return queryMarker + rec.UserQuery + "\n\n" + reportMarker + rec.Report + "\n"
}

// DecodeText parses EncodeText output
func DecodeText(s string) Record {
	s = strings.TrimPrefix(s, queryMarker)
	query, report, found := strings.Cut(s, "\n\n"+reportMarker)
	if !found {
		return Record{Report: strings.TrimSpace(s)}
	}
	return Record{UserQuery: query, Report: strings.TrimSuffix(report, "\n")}
}
