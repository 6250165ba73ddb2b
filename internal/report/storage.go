package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Storage keeps copies of exported reports
type Storage interface {
	// Save writes a report and returns its name
	Save(filename string, data []byte) (string, error)

	// Get retrieves a report by name
	Get(filename string) ([]byte, error)

	// List returns the names of all saved reports, oldest name first
	List() ([]string, error)
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating reports directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save writes a report to the reports directory. A name that is already taken
// gets a _2, _3, ... suffix before the extension, so earlier reports are never replaced.
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	name := base
	for n := 2; ; n++ {
		f, err := os.OpenFile(filepath.Join(l.basePath, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			name = fmt.Sprintf("%s_%d%s", stem, n, ext)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating report: %w", err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("writing report: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("closing report: %w", err)
		}
		return name, nil
	}
}

// Get reads a saved report
func (l *LocalStorage) Get(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.Base(filename)))
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	return data, nil
}

// List returns the saved report names
func (l *LocalStorage) List() ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
