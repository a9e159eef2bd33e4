package commands

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/md4"

	"github.com/jdziat/command-queue/pkg/core"
)

// ED2KChunkSize is the eDonkey block size. Each block is hashed with MD4
// and files spanning more than one block hash the concatenated digests.
const ED2KChunkSize = 9728000

const (
	HashFileType = "HashFile"
	HashingTag   = "Hashing"

	DefaultHashParallelMax = 2
)

// Hashes is the result of hashing one file. Digests are upper-case hex.
type Hashes struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	ED2K  string `json:"ed2k"`
	MD5   string `json:"md5"`
	SHA1  string `json:"sha1"`
	CRC32 string `json:"crc32"`
}

// HashSink receives the hashes of every file HashFile finishes.
type HashSink interface {
	StoreHashes(ctx context.Context, h Hashes) error
}

// HashSinkFunc adapts a function to HashSink.
type HashSinkFunc func(ctx context.Context, h Hashes) error

func (f HashSinkFunc) StoreHashes(ctx context.Context, h Hashes) error { return f(ctx, h) }

// HashFile computes ED2K, MD5, SHA1 and CRC32 for a single file.
type HashFile struct {
	Path string `json:"path"`

	sink        HashSink
	parallelMax int
	chunkSize   int
}

// NewHashFile builds a HashFile bound to sink.
func NewHashFile(path string, sink HashSink, parallelMax int) *HashFile {
	return &HashFile{Path: path, sink: sink, parallelMax: parallelMax}
}

func (c *HashFile) Type() string            { return HashFileType }
func (c *HashFile) ID() string              { return HashFileType + ":" + c.Path }
func (c *HashFile) WorkType() core.WorkType { return core.WorkHashing }
func (c *HashFile) ParallelTag() string     { return HashingTag }
func (c *HashFile) Priority() int           { return 4 }
func (c *HashFile) MaxRetries() int         { return 3 }
func (c *HashFile) Description() string     { return "Hashing file: " + c.Path }

func (c *HashFile) ParallelMax() int {
	if c.parallelMax < 1 {
		return DefaultHashParallelMax
	}
	return c.parallelMax
}

// Run hashes the file and hands the result to the sink. A file that no
// longer exists is a terminal failure.
func (c *HashFile) Run(ctx context.Context, _ core.Queuer) error {
	h, err := HashPath(ctx, c.Path, c.chunkSize)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.NoRetry(err)
		}
		return err
	}
	if c.sink == nil {
		return nil
	}
	if err := c.sink.StoreHashes(ctx, h); err != nil {
		return fmt.Errorf("store hashes for %s: %w", c.Path, err)
	}
	return nil
}

// HashPath hashes the file at path, reading bufSize bytes at a time
// (ED2KChunkSize when bufSize is not positive). ctx is checked between reads.
func HashPath(ctx context.Context, path string, bufSize int) (Hashes, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hashes{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Hashes{}, err
	}
	if info.IsDir() {
		return Hashes{}, core.NoRetry(fmt.Errorf("%s is a directory", path))
	}

	h := newHasher()
	if err := h.consume(ctx, f, bufSize); err != nil {
		return Hashes{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.result(path), nil
}

type hasher struct {
	md5   hash.Hash
	sha1  hash.Hash
	crc   hash.Hash32
	block hash.Hash // md4 of the current ED2K block

	blockFill int
	blocks    [][]byte
	size      int64
}

func newHasher() *hasher {
	return &hasher{
		md5:   md5.New(),
		sha1:  sha1.New(),
		crc:   crc32.NewIEEE(),
		block: md4.New(),
	}
}

func (h *hasher) consume(ctx context.Context, r io.Reader, bufSize int) error {
	if bufSize <= 0 {
		bufSize = ED2KChunkSize
	}
	buf := make([]byte, bufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (h *hasher) write(p []byte) {
	h.size += int64(len(p))
	h.md5.Write(p)
	h.sha1.Write(p)
	h.crc.Write(p)

	for len(p) > 0 {
		n := min(ED2KChunkSize-h.blockFill, len(p))
		h.block.Write(p[:n])
		h.blockFill += n
		p = p[n:]
		if h.blockFill == ED2KChunkSize {
			h.blocks = append(h.blocks, h.block.Sum(nil))
			h.block.Reset()
			h.blockFill = 0
		}
	}
}

func (h *hasher) ed2k() []byte {
	blocks := h.blocks
	if h.blockFill > 0 || len(blocks) == 0 {
		blocks = append(blocks, h.block.Sum(nil))
	}
	if len(blocks) == 1 {
		return blocks[0]
	}
	root := md4.New()
	for _, b := range blocks {
		root.Write(b)
	}
	return root.Sum(nil)
}

func (h *hasher) result(path string) Hashes {
	return Hashes{
		Path:  path,
		Size:  h.size,
		ED2K:  upperHex(h.ed2k()),
		MD5:   upperHex(h.md5.Sum(nil)),
		SHA1:  upperHex(h.sha1.Sum(nil)),
		CRC32: upperHex(h.crc.Sum(nil)),
	}
}

func upperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
