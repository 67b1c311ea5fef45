// Package devlog manages the development-log document kept for each work
// item. A document is plain text with a YAML front-matter header derived from
// the work item; it is auxiliary and can always be regenerated.
package devlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

// Header is the front matter written at the top of every document.
type Header struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Status      string `yaml:"status"`
	CreatedAt   string `yaml:"created_at"`
	Description string `yaml:"description,omitempty"`
}

// Store keeps one document per work item under dir.
type Store struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex // serializes read-modify-write of documents
}

func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Path returns the document path for a work item.
func (s *Store) Path(workItemID string) string {
	return filepath.Join(s.dir, filepath.Base(workItemID)+".md")
}

// Init creates the document for a new work item. An existing document is
// left untouched.
func (s *Store) Init(w *models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.Path(w.ID)); err == nil {
		return nil
	}
	return s.write(w.ID, render(w, ""))
}

// Read returns the document, regenerating it from w when it is missing.
func (s *Store) Read(w *models.WorkItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(w.ID))
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read devlog: %w", err)
	}

	s.logger.Info("devlog missing, regenerating", "work_item_id", w.ID)
	content := render(w, "")
	if err := s.write(w.ID, content); err != nil {
		return "", err
	}
	return content, nil
}

// Append adds a timestamped entry to the document, regenerating the header
// first if the document is missing.
func (s *Store) Append(w *models.WorkItem, entry string, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(s.Path(w.ID))
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read devlog: %w", err)
		}
		current = []byte(render(w, ""))
	}

	content := strings.TrimRight(string(current), "\n") +
		fmt.Sprintf("\n\n## %s\n\n%s\n", at.UTC().Format(time.RFC3339), strings.TrimSpace(entry))
	if err := s.write(w.ID, content); err != nil {
		return "", err
	}
	return content, nil
}

// SyncHeader rewrites the front matter from w and keeps the body. A missing
// document is recreated.
func (s *Store) SyncHeader(w *models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(w.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return s.write(w.ID, render(w, ""))
		}
		return fmt.Errorf("read devlog: %w", err)
	}

	_, body, err := splitFrontmatter(string(data))
	if err != nil {
		// Not ours to rewrite; leave hand-edited documents alone.
		return nil
	}
	return s.write(w.ID, render(w, body))
}

// Delete removes the document. A missing document is not an error.
func (s *Store) Delete(workItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(workItemID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete devlog: %w", err)
	}
	return nil
}

// ParseHeader extracts the front matter of a document.
func ParseHeader(content string) (Header, error) {
	block, _, err := splitFrontmatter(content)
	if err != nil {
		return Header{}, err
	}
	var h Header
	if err := yaml.Unmarshal([]byte(block), &h); err != nil {
		return Header{}, fmt.Errorf("parse yaml: %w", err)
	}
	return h, nil
}

func (s *Store) write(workItemID, content string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create devlog directory: %w", err)
	}
	tmp := s.Path(workItemID) + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write devlog: %w", err)
	}
	if err := os.Rename(tmp, s.Path(workItemID)); err != nil {
		return fmt.Errorf("rename devlog: %w", err)
	}
	return nil
}

func render(w *models.WorkItem, body string) string {
	h := Header{
		ID:          w.ID,
		Title:       w.Title,
		Status:      string(w.Status),
		CreatedAt:   time.Unix(w.CreatedAt, 0).UTC().Format(time.RFC3339),
		Description: w.Description,
	}
	// Marshal of a flat struct of strings cannot fail.
	out, _ := yaml.Marshal(h)

	if body == "" {
		body = fmt.Sprintf("# Development Log: %s\n", w.Title)
	}
	return "---\n" + string(out) + "---\n\n" + strings.TrimLeft(body, "\n")
}

// splitFrontmatter separates a --- delimited YAML block from the body.
func splitFrontmatter(content string) (block, body string, err error) {
	if !strings.HasPrefix(content, "---") {
		return "", "", fmt.Errorf("no frontmatter found")
	}
	rest := content[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("no closing frontmatter delimiter")
	}
	block = rest[:idx]
	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return block, body, nil
}
