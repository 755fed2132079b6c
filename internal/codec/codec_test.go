package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InitialDLab/samplingrtree/internal/geom"
)

func TestPointRoundTrip(t *testing.T) {
	dims := 3
	p := geom.Point{
		Coords:    []float32{1.5, -2.25, 100},
		Timestamp: 1700000000,
		ID:        geom.ID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
	buf := make([]byte, PointSize(dims))
	n := WritePoint(buf, p, dims)
	require.Equal(t, PointSize(dims), n)

	got, n2 := ReadPoint(buf, dims)
	require.Equal(t, n, n2)
	require.Equal(t, p, got)
}

func TestBoxRoundTrip(t *testing.T) {
	dims := 2
	b := geom.Box{Min: []float32{-1, -2}, Max: []float32{3, 4}}
	buf := make([]byte, BoxSize(dims))
	WriteBox(buf, b, dims)

	got, n := ReadBox(buf, dims)
	require.Equal(t, BoxSize(dims), n)
	require.Equal(t, b, got)
}

func TestKeyRoundTripAndOrder(t *testing.T) {
	k1 := geom.Key{1, 2, 3}
	k2 := geom.Key{1, 2, 4}

	buf := make([]byte, KeySize(3))
	WriteKey(buf, k1)
	got, _ := ReadKey(buf, 3)
	require.Equal(t, k1, got)
	require.True(t, k1.Less(k2))
	require.False(t, k2.Less(k1))
}

func TestVerifyChecksum(t *testing.T) {
	payload := []byte("hello world")
	w, h := NewChecksumWriter(new(discard))
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, VerifyChecksum(payload, h.Sum32()))
	require.Error(t, VerifyChecksum(payload, h.Sum32()+1))
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }
