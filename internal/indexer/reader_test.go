package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeReaderFactory(t *testing.T) {
	frag := newFragment(t)
	require.NoError(t, frag.Update(func() error {
		f, err := frag.CreateFile("indexed.h")
		if err != nil {
			return err
		}
		if err := f.SetTimestamp(42); err != nil {
			return err
		}
		_, err = frag.CreateFile("placeholder.h")
		return err
	}))

	r := NewCodeReaderFactory(frag)
	r.SetRequested("requested.c", true)
	r.SetRequested("indexed.h", true)
	r.SetRequested("indexed.h", false)
	assert.Equal(t, []string{"requested.c"}, r.Outstanding())

	view(t, frag, func() {
		for path, want := range map[string]bool{
			"requested.c":   true,
			"indexed.h":     false,
			"placeholder.h": true,
			"unknown.h":     true,
		} {
			got, err := r.ShouldParse(path)
			require.NoError(t, err)
			assert.Equal(t, want, got, path)
		}
		r.markIndexed("unknown.h")
		got, err := r.ShouldParse("unknown.h")
		require.NoError(t, err)
		assert.False(t, got)
	})
}
