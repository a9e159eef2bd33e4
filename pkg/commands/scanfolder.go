package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jdziat/command-queue/pkg/cmdctx"
	"github.com/jdziat/command-queue/pkg/core"
)

const (
	ScanFolderType = "ScanFolder"
	ImportTag      = "Import"
)

// DefaultVideoExtensions are the file extensions ScanFolder hashes when no
// list is configured.
var DefaultVideoExtensions = []string{
	"mkv", "avi", "mp4", "mov", "ogm", "wmv", "mpg", "mpeg", "mk3d", "m4v",
}

// ScanFolder walks Dir and enqueues a HashFile for every video file in it.
// Follow-up commands are added to Batch, or to the scan's own batch when
// Batch is empty.
type ScanFolder struct {
	Dir   string `json:"dir"`
	Batch string `json:"batch,omitempty"`

	filter *fileFilter
	hash   func(path string) *HashFile
}

func (c *ScanFolder) Type() string            { return ScanFolderType }
func (c *ScanFolder) ID() string              { return ScanFolderType + ":" + c.Dir }
func (c *ScanFolder) WorkType() core.WorkType { return core.WorkServer }
func (c *ScanFolder) ParallelTag() string     { return ImportTag }
func (c *ScanFolder) ParallelMax() int        { return 1 }
func (c *ScanFolder) Priority() int           { return 3 }
func (c *ScanFolder) MaxRetries() int         { return 2 }
func (c *ScanFolder) Description() string     { return "Scanning folder: " + c.Dir }

func (c *ScanFolder) Run(ctx context.Context, q core.Queuer) error {
	abs, err := statDir(c.Dir)
	if err != nil {
		return err
	}

	log := zerolog.Ctx(ctx)
	batch := c.Batch
	if batch == "" {
		batch = cmdctx.Batch(ctx)
	}

	filter := c.filter
	if filter == nil {
		filter = newFileFilter(nil, nil)
	}
	newHash := c.hash
	if newHash == nil {
		newHash = func(path string) *HashFile { return &HashFile{Path: path} }
	}

	var found []core.Command
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, the rest of the scan goes on.
			log.Warn().Err(err).Str("path", path).Msg("scan: skipping entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if filter.excluded(path) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && filter.accepts(path) {
			found = append(found, newHash(path))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", c.Dir, err)
	}

	log.Info().Str("dir", abs).Int("files", len(found)).Msg("scan complete")
	if len(found) == 0 {
		return nil
	}
	return q.AddRange(ctx, found, batch)
}

func statDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", core.NoRetry(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", core.NoRetry(err)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", core.NoRetry(fmt.Errorf("%s is not a directory", dir))
	}
	return abs, nil
}

type fileFilter struct {
	exclude    []*regexp.Regexp
	extensions map[string]bool
}

func newFileFilter(exclude []*regexp.Regexp, extensions []string) *fileFilter {
	if len(extensions) == 0 {
		extensions = DefaultVideoExtensions
	}
	f := &fileFilter{exclude: exclude, extensions: make(map[string]bool, len(extensions))}
	for _, ext := range extensions {
		f.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return f
}

func (f *fileFilter) excluded(path string) bool {
	for _, re := range f.exclude {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (f *fileFilter) accepts(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return ext != "" && f.extensions[ext]
}

// CompileExcludes compiles exclusion patterns matched against full paths.
func CompileExcludes(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
