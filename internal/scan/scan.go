// Package scan discovers issue files on disk. Issues are Markdown files
// with optional YAML frontmatter; the filename carries the issue ID
// (e.g. BUG-123-fix-crash.md) and the parent directory is the category.
package scan

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lltools/ll/internal/logging"
	"github.com/lltools/ll/pkg/models"
)

// idPattern matches the issue ID at the start of a filename.
var idPattern = regexp.MustCompile(`^([A-Z]+-\d+)`)

// frontmatter is the optional YAML block at the top of an issue file.
type frontmatter struct {
	Priority  string   `yaml:"priority"`
	Type      string   `yaml:"type"`
	BlockedBy []string `yaml:"blocked_by"`
}

// Scanner discovers issues under a root directory.
type Scanner struct {
	issuesDir    string
	completedDir string
	logger       *logging.DebugLogger
}

// NewScanner creates a scanner rooted at issuesDir. Files under
// completedDir are never returned.
func NewScanner(issuesDir, completedDir string, logger *logging.DebugLogger) *Scanner {
	return &Scanner{
		issuesDir:    issuesDir,
		completedDir: completedDir,
		logger:       logger,
	}
}

// Scan walks the issues directory and parses every Markdown issue file.
// Files that do not carry an issue ID in their name are skipped.
func (s *Scanner) Scan() ([]models.Issue, error) {
	var issues []models.Issue

	err := filepath.WalkDir(s.issuesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if s.isCompletedDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}

		issue, err := s.ParseFile(path)
		if err != nil {
			s.logger.Log("[scanner] skipping %s: %v", path, err)
			return nil
		}
		issues = append(issues, *issue)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan issues directory %s: %w", s.issuesDir, err)
	}
	return issues, nil
}

// ParseFile reads one issue file into an Issue record.
func (s *Scanner) ParseFile(path string) (*models.Issue, error) {
	id := idPattern.FindString(filepath.Base(path))
	if id == "" {
		return nil, fmt.Errorf("no issue ID in filename %s", filepath.Base(path))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read issue file: %w", err)
	}

	fm, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	issue := &models.Issue{
		ID:        id,
		Title:     extractTitle(body),
		Priority:  models.P5,
		Path:      abs,
		Category:  s.category(path),
		BlockedBy: fm.BlockedBy,
	}

	if fm.Priority != "" {
		p, err := models.ParsePriority(fm.Priority)
		if err != nil {
			return nil, err
		}
		issue.Priority = p
	}

	// Explicit type wins; otherwise infer from the ID prefix.
	if fm.Type != "" {
		issue.Type = models.IssueType(strings.ToUpper(fm.Type))
	} else if dash := strings.IndexByte(id, '-'); dash > 0 {
		issue.Type = models.IssueType(id[:dash])
	}
	if !issue.Type.Valid() {
		return nil, fmt.Errorf("unknown issue type %q", issue.Type)
	}

	if issue.Title == "" {
		issue.Title = id
	}
	return issue, nil
}

// isCompletedDir returns true if path is the completed directory or inside it.
func (s *Scanner) isCompletedDir(path string) bool {
	if s.completedDir == "" {
		return false
	}
	rel, err := filepath.Rel(s.completedDir, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// category returns the issue's subdirectory relative to the issues root,
// or "" for files directly under it.
func (s *Scanner) category(path string) string {
	rel, err := filepath.Rel(s.issuesDir, filepath.Dir(path))
	if err != nil || rel == "." {
		return ""
	}
	// Only the first path element counts as the category.
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return parts[0]
}

// parseFrontmatter splits content into the YAML frontmatter (delimited by
// --- lines at the very start) and the Markdown body. A file without
// frontmatter yields a zero frontmatter and the whole content as body.
func parseFrontmatter(content []byte) (frontmatter, []byte, error) {
	var fm frontmatter

	if !bytes.HasPrefix(content, []byte("---\n")) {
		return fm, content, nil
	}

	remaining := content[4:]
	closing := bytes.Index(remaining, []byte("\n---\n"))
	if closing == -1 {
		// Closing delimiter at EOF without a trailing newline.
		if bytes.HasSuffix(remaining, []byte("\n---")) {
			closing = len(remaining) - 4
			if err := yaml.Unmarshal(remaining[:closing], &fm); err != nil {
				return fm, nil, fmt.Errorf("parse frontmatter: %w", err)
			}
			return fm, nil, nil
		}
		return fm, nil, fmt.Errorf("unclosed frontmatter")
	}

	if err := yaml.Unmarshal(remaining[:closing], &fm); err != nil {
		return fm, nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	bodyStart := 4 + closing + 5
	if bodyStart < len(content) {
		return fm, content[bodyStart:], nil
	}
	return fm, nil, nil
}

// extractTitle returns the first H1 heading in the body.
func extractTitle(body []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}
