package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/lltools/ll/pkg/models"
)

// Watch monitors the issues directory for new or modified Markdown files
// and invokes onIssue for each one that parses. Directories created under
// the root are watched as they appear. Watch blocks until ctx is done.
//
// Duplicate deliveries are expected (editors fire multiple events per
// save); the caller deduplicates by issue ID.
func (s *Scanner) Watch(ctx context.Context, onIssue func(models.Issue)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the root and every existing subdirectory except completed.
	err = filepath.WalkDir(s.issuesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if s.isCompletedDir(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watch issues directory %s: %w", s.issuesDir, err)
	}

	s.logger.Log("[scanner] watching %s for new issues", s.issuesDir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if s.isCompletedDir(event.Name) {
				continue
			}

			if isDir(event.Name) {
				if event.Has(fsnotify.Create) {
					if err := watcher.Add(event.Name); err != nil {
						s.logger.Log("[scanner] watch %s: %v", event.Name, err)
					}
				}
				continue
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}

			issue, err := s.ParseFile(event.Name)
			if err != nil {
				s.logger.Log("[scanner] ignoring %s: %v", event.Name, err)
				continue
			}
			s.logger.Log("[scanner] discovered %s (%s)", issue.ID, issue.Priority)
			onIssue(*issue)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Log("[scanner] watch error: %v", err)
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
