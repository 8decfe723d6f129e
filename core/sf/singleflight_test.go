package sf

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_DeduplicatesConcurrentCalls(t *testing.T) {
	s := New[int]()

	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*int, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Do("k", func() (*int, error) {
				calls.Add(1)
				<-release
				n := 42
				return &n, nil
			})
			require.NoError(t, err)
			results[i] = v
		}()
	}

	// let the goroutines pile up on the same key before releasing fn
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.NotNil(t, v)
		require.Equal(t, 42, *v)
	}
}

func TestDo_DistinctKeysRunIndependently(t *testing.T) {
	s := New[string]()

	a, err := s.Do("a", func() (*string, error) {
		v := "alpha"
		return &v, nil
	})
	require.NoError(t, err)
	require.Equal(t, "alpha", *a)

	b, err := s.Do("b", func() (*string, error) {
		v := "beta"
		return &v, nil
	})
	require.NoError(t, err)
	require.Equal(t, "beta", *b)
}

func TestDo_ErrorPropagates(t *testing.T) {
	s := New[int]()
	boom := errors.New("boom")

	v, err := s.Do("k", func() (*int, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Nil(t, v)

	// a failed flight does not poison the key
	n, err := s.Do("k", func() (*int, error) {
		x := 7
		return &x, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, *n)
}
