package gitleaks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"github.com/fatih/semgroup"
	"github.com/mholt/archives"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/sources"

	"github.com/rattlesnake/gateway/pkg/logger"
)

// Archive is a source for yielding fragments from an in memory archive. Every
// file entry becomes one fragment, including binary entries like class files.
// Nested archives are walked until MaxArchiveDepth archive layers have been
// opened. Anything that isn't an archive is yielded as is.
type Archive struct {
	Config  *config.Config
	Content []byte
	// Concurrency bounds how many nested archives directly inside Content
	// are walked at once. Zero walks them one at a time.
	Concurrency     int
	MaxArchiveDepth int
	// MaxEntryBytes truncates entries and decompressed streams. Zero means
	// no limit.
	MaxEntryBytes int64
	Path          string
}

// Fragments yields the fragments contained in this archive
func (s *Archive) Fragments(ctx context.Context, yield sources.FragmentsFunc) error {
	var group *semgroup.Group
	if s.Concurrency > 0 {
		group = semgroup.NewGroup(ctx, int64(s.Concurrency))
	}

	err := s.walk(ctx, group, s.Path, s.Content, s.MaxArchiveDepth, yield)

	if group != nil {
		if groupErr := group.Wait(); groupErr != nil {
			err = errors.Join(err, groupErr)
		}
	}

	return err
}

func (s *Archive) walk(ctx context.Context, group *semgroup.Group, entryPath string, data []byte, depth int, yield sources.FragmentsFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if depth > 0 {
		format, _, err := archives.Identify(ctx, "", bytes.NewReader(data))
		if err == nil {
			if extractor, ok := format.(archives.Extractor); ok {
				return s.extractorFragments(ctx, group, extractor, entryPath, data, depth, yield)
			}
			if decompressor, ok := format.(archives.Decompressor); ok {
				return s.decompressorFragments(ctx, group, decompressor, entryPath, data, depth, yield)
			}
		} else if !errors.Is(err, archives.NoMatch) {
			logger.Debug("could not identify entry: path=%q error=%q", entryPath, err)
		}
	}

	return yield(sources.Fragment{Raw: string(data), FilePath: entryPath}, nil)
}

func (s *Archive) extractorFragments(ctx context.Context, group *semgroup.Group, extractor archives.Extractor, archivePath string, data []byte, depth int, yield sources.FragmentsFunc) error {
	err := extractor.Extract(ctx, bytes.NewReader(data), func(ctx context.Context, d archives.FileInfo) error {
		if !d.Mode().IsRegular() {
			return nil
		}

		name := path.Clean(filepath.ToSlash(d.NameInArchive))
		if s.Config != nil && shouldSkipPath(s.Config, name) {
			logger.Debug("skipping entry: global allowlist: path=%q", name)
			return nil
		}

		innerPath := name
		if len(archivePath) > 0 {
			innerPath = archivePath + sources.InnerPathSeparator + name
		}

		innerReader, err := d.Open()
		if err != nil {
			logger.Error("could not open archive entry: path=%q error=%q", innerPath, err)
			return nil
		}
		defer innerReader.Close()

		content, err := s.readEntry(innerPath, innerReader)
		if err != nil {
			logger.Error("could not read archive entry: path=%q error=%q", innerPath, err)
			return nil
		}

		// Only nested archives directly inside the payload fan out. Deeper
		// levels stay on this goroutine so nothing waits on a slot held by
		// its own parent.
		if group != nil && depth == s.MaxArchiveDepth && isArchive(ctx, content) {
			group.Go(func() error {
				return s.walk(ctx, nil, innerPath, content, depth-1, yield)
			})
			return nil
		}

		return s.walk(ctx, nil, innerPath, content, depth-1, yield)
	})

	if err != nil {
		if depth == s.MaxArchiveDepth {
			return fmt.Errorf("could not extract archive: %w", err)
		}

		logger.Warning("could not extract nested archive: path=%q error=%q", archivePath, err)
	}

	return nil
}

func (s *Archive) decompressorFragments(ctx context.Context, group *semgroup.Group, decompressor archives.Decompressor, entryPath string, data []byte, depth int, yield sources.FragmentsFunc) error {
	innerReader, err := decompressor.OpenReader(bytes.NewReader(data))
	if err != nil {
		logger.Error("could not read compressed entry: path=%q error=%q", entryPath, err)
		return yield(sources.Fragment{Raw: string(data), FilePath: entryPath}, nil)
	}
	defer innerReader.Close()

	content, err := s.readEntry(entryPath, innerReader)
	if err != nil {
		logger.Error("could not decompress entry: path=%q error=%q", entryPath, err)
		return nil
	}

	return s.walk(ctx, group, entryPath, content, depth-1, yield)
}

func (s *Archive) readEntry(entryPath string, r io.Reader) ([]byte, error) {
	if s.MaxEntryBytes <= 0 {
		return io.ReadAll(r)
	}

	content, err := io.ReadAll(io.LimitReader(r, s.MaxEntryBytes+1))
	if int64(len(content)) > s.MaxEntryBytes {
		logger.Warning("truncating archive entry: path=%q max_entry_bytes=%d", entryPath, s.MaxEntryBytes)
		content = content[:s.MaxEntryBytes]
	}

	return content, err
}

func isArchive(ctx context.Context, data []byte) bool {
	format, _, err := archives.Identify(ctx, "", bytes.NewReader(data))
	if err != nil {
		return false
	}

	_, isExtractor := format.(archives.Extractor)
	return isExtractor
}

func shouldSkipPath(cfg *config.Config, entryPath string) bool {
	for _, a := range cfg.Allowlists {
		if a.PathAllowed(entryPath) {
			return true
		}
	}

	return false
}
