// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, s Storage) {
	ctx := context.Background()
	data := []byte("encoded ciphertext batch")

	h, err := s.Store(ctx, data)
	require.NoError(t, err)
	require.Equal(t, ComputeHandle(data), h)
	require.Len(t, string(h), 64)

	again, err := s.Store(ctx, data)
	require.NoError(t, err)
	require.Equal(t, h, again)

	ok, err := s.Exists(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Load(ctx, h)
	require.NoError(t, err)
	require.Equal(t, data, got)
	got[0] = 'X'
	fresh, err := s.Load(ctx, h)
	require.NoError(t, err)
	require.Equal(t, data, fresh)

	require.NoError(t, s.Delete(ctx, h))
	ok, err = s.Exists(ctx, h)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Load(ctx, h)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, h), ErrNotFound)
	require.NoError(t, s.Close())
}

func TestMemoryStorage(t *testing.T) {
	testStorage(t, NewMemoryStorage(1))
}

func TestFileStorage(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	testStorage(t, s)

	_, err = s.Load(context.Background(), "../../etc/passwd")
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestMemoryStorageCapacity(t *testing.T) {
	s := NewMemoryStorage(1)
	ctx := context.Background()

	big := make([]byte, 1<<20)
	_, err := s.Store(ctx, big)
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), s.Size())

	_, err = s.Store(ctx, []byte{1})
	require.ErrorIs(t, err, ErrStorageFull)

	require.NoError(t, s.Delete(ctx, ComputeHandle(big)))
	require.Zero(t, s.Size())
}

func TestParseHandle(t *testing.T) {
	h := ComputeHandle([]byte("x"))
	parsed, err := ParseHandle(string(h))
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	for _, bad := range []string{"", "abc", strings.Repeat("g", 64), string(h) + "0"} {
		_, err := ParseHandle(bad)
		require.ErrorIs(t, err, ErrInvalidHandle, bad)
	}
}
