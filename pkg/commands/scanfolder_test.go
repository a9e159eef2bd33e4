package commands

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/command-queue/pkg/cmdctx"
	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/registry"
)

type recordingQueuer struct {
	cmds  []core.Command
	batch string
}

func (q *recordingQueuer) Add(ctx context.Context, cmd core.Command, batch string) error {
	return q.AddRange(ctx, []core.Command{cmd}, batch)
}

func (q *recordingQueuer) AddRange(_ context.Context, cmds []core.Command, batch string) error {
	q.cmds = append(q.cmds, cmds...)
	q.batch = batch
	return nil
}

func (q *recordingQueuer) ids() []string {
	ids := make([]string, 0, len(q.cmds))
	for _, c := range q.cmds {
		ids = append(ids, c.ID())
	}
	sort.Strings(ids)
	return ids
}

func importFolder(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "Show/ep01.mkv", []byte("1"))
	writeFile(t, dir, "Show/ep02.MP4", []byte("2"))
	writeFile(t, dir, "Show/ep01.nfo", []byte("n"))
	writeFile(t, dir, "Show/.trash/old.mkv", []byte("o"))
	writeFile(t, dir, "readme", []byte("r"))
	return dir
}

func TestScanFolder_Metadata(t *testing.T) {
	c := &ScanFolder{Dir: "/anime"}
	assert.Equal(t, "ScanFolder:/anime", c.ID())
	assert.Equal(t, core.WorkServer, c.WorkType())
	assert.Equal(t, ImportTag, c.ParallelTag())
	assert.Equal(t, 1, c.ParallelMax())
}

func TestScanFolder_EnqueuesVideoFiles(t *testing.T) {
	dir := importFolder(t)
	q := &recordingQueuer{}

	require.NoError(t, (&ScanFolder{Dir: dir, Batch: "Scan_1"}).Run(context.Background(), q))

	assert.Equal(t, "Scan_1", q.batch)
	assert.Equal(t, []string{
		"HashFile:" + filepath.Join(dir, "Show/.trash/old.mkv"),
		"HashFile:" + filepath.Join(dir, "Show/ep01.mkv"),
		"HashFile:" + filepath.Join(dir, "Show/ep02.MP4"),
	}, q.ids())
}

func TestScanFolder_DefaultsToOwnBatch(t *testing.T) {
	dir := importFolder(t)
	q := &recordingQueuer{}

	ctx := cmdctx.With(context.Background(), cmdctx.Info{Batch: "Scan_42"})
	require.NoError(t, (&ScanFolder{Dir: dir}).Run(ctx, q))
	assert.Equal(t, "Scan_42", q.batch)
}

func TestScanFolder_Exclusions(t *testing.T) {
	dir := importFolder(t)
	q := &recordingQueuer{}

	cmd := &ScanFolder{
		Dir:    dir,
		filter: newFileFilter([]*regexp.Regexp{regexp.MustCompile(`/\.trash(/|$)`)}, []string{".mkv"}),
	}
	require.NoError(t, cmd.Run(context.Background(), q))
	assert.Equal(t, []string{"HashFile:" + filepath.Join(dir, "Show/ep01.mkv")}, q.ids())
}

func TestScanFolder_EmptyFolderEnqueuesNothing(t *testing.T) {
	q := &recordingQueuer{}
	require.NoError(t, (&ScanFolder{Dir: t.TempDir()}).Run(context.Background(), q))
	assert.Empty(t, q.cmds)
}

func TestScanFolder_MissingFolderIsTerminal(t *testing.T) {
	err := (&ScanFolder{Dir: filepath.Join(t.TempDir(), "gone")}).Run(context.Background(), &recordingQueuer{})

	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)
}

func TestScanFolder_FileIsTerminal(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.mkv", []byte("a"))
	err := (&ScanFolder{Dir: path}).Run(context.Background(), &recordingQueuer{})

	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)
}

func TestScanFolder_Canceled(t *testing.T) {
	dir := importFolder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := &recordingQueuer{}
	err := (&ScanFolder{Dir: dir}).Run(ctx, q)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, q.cmds)
}

func TestCompileExcludes(t *testing.T) {
	res, err := CompileExcludes([]string{`\.part$`, `(?i)sample`})
	require.NoError(t, err)
	assert.Len(t, res, 2)

	_, err = CompileExcludes([]string{"("})
	assert.Error(t, err)
}

func TestRegister_FactoriesCarryDependencies(t *testing.T) {
	reg := registry.New()
	sink := &memorySink{}
	require.NoError(t, Register(reg, Options{Sink: sink, HashParallelMax: 6, Extensions: []string{"avi"}}))
	assert.Equal(t, []string{"HashFile", "ScanFolder"}, reg.Types())

	dir := t.TempDir()
	path := writeFile(t, dir, "a.avi", []byte("abc"))
	writeFile(t, dir, "b.mkv", []byte("abc"))

	cmd, err := reg.Decode("ScanFolder", []byte(`{"dir":`+quote(dir)+`,"batch":"Scan_9"}`))
	require.NoError(t, err)

	q := &recordingQueuer{}
	require.NoError(t, cmd.Run(context.Background(), q))
	require.Len(t, q.cmds, 1)

	hf, ok := q.cmds[0].(*HashFile)
	require.True(t, ok)
	assert.Equal(t, path, hf.Path)
	assert.Equal(t, 6, hf.ParallelMax())

	// Round-trip through the registry keeps the sink.
	_, payload, err := reg.Encode(hf)
	require.NoError(t, err)
	decoded, err := reg.Decode("HashFile", payload)
	require.NoError(t, err)
	require.NoError(t, decoded.Run(context.Background(), nil))
	require.Len(t, sink.hashes, 1)
	assert.Equal(t, path, sink.hashes[0].Path)
}

func TestRegister_Duplicate(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg, Options{}))
	assert.ErrorIs(t, Register(reg, Options{}), core.ErrDuplicateType)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
