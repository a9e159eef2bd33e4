// Package commands holds the built-in commands and their registration.
package commands

import (
	"regexp"

	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/registry"
)

// Options are the host dependencies captured by the registered factories.
type Options struct {
	Sink            HashSink
	HashParallelMax int
	Exclude         []*regexp.Regexp
	Extensions      []string
}

// Register adds HashFile and ScanFolder to reg. Decoded commands share the
// sink and file filter given here.
func Register(reg *registry.Registry, opts Options) error {
	filter := newFileFilter(opts.Exclude, opts.Extensions)
	newHash := func(path string) *HashFile {
		return NewHashFile(path, opts.Sink, opts.HashParallelMax)
	}

	if err := reg.Register(HashFileType, func() core.Command {
		return newHash("")
	}); err != nil {
		return err
	}
	return reg.Register(ScanFolderType, func() core.Command {
		return &ScanFolder{filter: filter, hash: newHash}
	})
}
