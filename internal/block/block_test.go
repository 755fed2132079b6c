package block

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InitialDLab/samplingrtree/internal/rerr"
)

func TestAllocateFreeReuse(t *testing.T) {
	dir := t.TempDir()
	m, err := Create(filepath.Join(dir, "t"), 128)
	require.NoError(t, err)
	defer m.Close()

	a, err := m.Allocate(2)
	require.NoError(t, err)
	b, err := m.Allocate(3)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, m.Free(a, 2))

	c, err := m.Allocate(2)
	require.NoError(t, err)
	require.Equal(t, a, c, "freed extent should be reused before growing the file")
}

func TestDoubleFreeIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	m, err := Create(filepath.Join(dir, "t"), 128)
	require.NoError(t, err)
	defer m.Close()

	a, err := m.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, m.Free(a, 4))

	err = m.Free(a, 4)
	require.Error(t, err)
	require.True(t, errors.Is(err, rerr.ErrCorrupted))
}

func TestFreeCoalescesAdjacentExtents(t *testing.T) {
	dir := t.TempDir()
	m, err := Create(filepath.Join(dir, "t"), 64)
	require.NoError(t, err)
	defer m.Close()

	a, err := m.Allocate(2)
	require.NoError(t, err)
	b, err := m.Allocate(2)
	require.NoError(t, err)
	require.Equal(t, a+2, b)

	require.NoError(t, m.Free(a, 2))
	require.NoError(t, m.Free(b, 2))
	require.Len(t, m.free, 1)
	require.Equal(t, uint64(4), m.free[0].size)

	c, err := m.Allocate(4)
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t")
	m, err := Create(path, 16)
	require.NoError(t, err)

	bid, err := m.Allocate(1)
	require.NoError(t, err)
	payload := make([]byte, 16)
	copy(payload, []byte("abcdefgh"))
	require.NoError(t, m.WriteBlocks(bid, payload))

	got, err := m.ReadBlocks(bid, 1)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, m.Close())

	m2, err := Load(path)
	require.NoError(t, err)
	defer m2.Close()
	got2, err := m2.ReadBlocks(bid, 1)
	require.NoError(t, err)
	require.Equal(t, payload, got2)
}

func TestLoadStaticMmapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t")
	m, err := Create(path, 4096)
	require.NoError(t, err)
	bid, err := m.Allocate(1)
	require.NoError(t, err)
	payload := make([]byte, 4096)
	payload[0] = 0xAB
	require.NoError(t, m.WriteBlocks(bid, payload))
	require.NoError(t, m.Close())

	sm, err := LoadStatic(path)
	require.NoError(t, err)
	defer sm.Close()

	got, err := sm.ReadBlocks(bid, 1)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestAllocateBeyondStaticMappingIsResourceExhausted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t")
	m, err := Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	sm, err := LoadStatic(path)
	require.NoError(t, err)
	defer sm.Close()

	_, err = sm.Allocate(1)
	require.Error(t, err)
	require.ErrorIs(t, err, rerr.ErrResourceExhausted)
}

func TestBadMetadataMagicIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t")
	m, err := Create(path, 64)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	require.NoError(t, os.WriteFile(path+metaSuffix, []byte{0, 0, 0, 0}, 0o644))

	_, err = Load(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, rerr.ErrCorrupted))
}
