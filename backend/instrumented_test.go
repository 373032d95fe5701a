package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackend_Write(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "disk")
	ctx := context.Background()

	err = ib.Write(ctx, "key", strings.NewReader("hello world"))
	require.NoError(t, err)
}

func TestInstrumentedBackend_Read_CountsBytes(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "disk")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "key", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "key")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	counter, ok := rc.(*countingReadCloser)
	require.True(t, ok)
	require.Equal(t, int64(len(content)), counter.n)

	// Close triggers metric recording and must be safe to repeat
	require.NoError(t, rc.Close())
	require.True(t, counter.closed)
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "disk")

	_, err = ib.Read(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_Exists(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "disk")
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Write(ctx, "key", strings.NewReader("data")))

	exists, err = ib.Exists(ctx, "key")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestInstrumentedBackend_Delete(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "disk")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "key", strings.NewReader("data")))
	require.NoError(t, ib.Delete(ctx, "key"))

	exists, err := ib.Exists(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_EntriesAndTouch(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "disk")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "a", strings.NewReader("1")))
	require.NoError(t, ib.Write(ctx, "b", strings.NewReader("22")))

	when := time.Unix(1_000_000, 0)
	require.NoError(t, ib.Touch(ctx, "a", when))

	e, err := ib.Stat(ctx, "a")
	require.NoError(t, err)
	require.True(t, e.ModTime.Equal(when))

	entries, err := ib.Entries(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	keys, err := ib.List(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, ib.Reset(ctx))
	entries, err = ib.Entries(ctx, "")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestInstrumentedBackend_Unwrap(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "disk")
	require.Same(t, fs, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("boom")))
}
