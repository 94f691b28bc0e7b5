package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/eventguard/pkg/detectors/detectorstest"
)

func stubBundle(samples int) *Bundle {
	return &Bundle{
		EncoderVersion:  1,
		TrainingSamples: samples,
		Outlier:         detectorstest.Constant(0.1),
		Novelty:         detectorstest.Constant(0.2),
	}
}

func TestStorePublish(t *testing.T) {
	s := NewStore(3)
	assert.Nil(t, s.Active())

	b := stubBundle(10)
	pub, err := s.Publish(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pub.Version)
	assert.Zero(t, b.Version, "input bundle is left untouched")
	assert.Same(t, pub, s.Active())

	for i := 2; i <= 5; i++ {
		pub, err = s.Publish(stubBundle(10 * i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), pub.Version)
	}
	assert.Equal(t, []uint64{3, 4, 5}, s.Versions())
	assert.Equal(t, uint64(5), s.Active().Version)

	_, ok := s.Get(1)
	assert.False(t, ok, "evicted beyond retention")
	got, ok := s.Get(4)
	require.True(t, ok)
	assert.Equal(t, 40, got.TrainingSamples)

	_, err = s.Publish(nil)
	assert.Error(t, err)
	_, err = s.Publish(&Bundle{})
	assert.Error(t, err)
}

func TestStoreRollback(t *testing.T) {
	s := NewStore(5)
	for i := 1; i <= 3; i++ {
		_, err := s.Publish(stubBundle(i))
		require.NoError(t, err)
	}

	pub, err := s.Rollback(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pub.Version)
	assert.Equal(t, 1, pub.TrainingSamples)
	assert.Equal(t, uint64(4), s.Active().Version)

	_, err = s.Rollback(42)
	assert.ErrorIs(t, err, ErrUnknownVersion)
	assert.Equal(t, uint64(4), s.Active().Version)
}

func TestStoreAdopt(t *testing.T) {
	s := NewStore(0)

	b := stubBundle(7)
	b.Version = 12
	require.NoError(t, s.Adopt(b))
	assert.Equal(t, uint64(12), s.Active().Version)

	pub, err := s.Publish(stubBundle(8))
	require.NoError(t, err)
	assert.Equal(t, uint64(13), pub.Version)

	old := stubBundle(1)
	old.Version = 5
	assert.Error(t, s.Adopt(old))
	assert.Equal(t, uint64(13), s.Active().Version)
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStore(2)
	_, err := s.Publish(stubBundle(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for i := 0; i < 1000; i++ {
				v := s.Active().Version
				assert.GreaterOrEqual(t, v, last, "versions never go backwards")
				last = v
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, err := s.Publish(stubBundle(i))
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, uint64(51), s.Active().Version)
}
