package tunable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunableSetInRange(t *testing.T) {
	tun := New[uint]("sampling_periods", 10, 5, 50, nil)

	require.NoError(t, tun.Set(25))
	assert.Equal(t, uint(25), tun.Get())
}

func TestTunableRejectsOutOfRange(t *testing.T) {
	tun := New[uint]("sampling_periods", 10, 5, 50, nil)

	for _, value := range []uint{0, 4, 51, 1000} {
		err := tun.Set(value)
		assert.ErrorIs(t, err, ErrOutOfRange)
		assert.Equal(t, uint(10), tun.Get(), "prior value must be retained")
	}
}

func TestTunableBoundsInclusive(t *testing.T) {
	tun := New[uint]("min_sampling_rate", 20, 10, 50, nil)

	require.NoError(t, tun.Set(10))
	assert.Equal(t, uint(10), tun.Get())
	require.NoError(t, tun.Set(50))
	assert.Equal(t, uint(50), tun.Get())
}

func TestTunableSideEffect(t *testing.T) {
	applied := []int{}
	tun := New[int]("throttle_temp", 70, 45, 80, func(v int) {
		applied = append(applied, v)
	})

	require.NoError(t, tun.Set(75))
	require.Error(t, tun.Set(90))

	assert.Equal(t, []int{75}, applied, "side effect must only run on accepted writes")
}

func TestStoreSetByName(t *testing.T) {
	store := NewStore()
	tun := New[uint]("disable_load_threshold", 80, 40, 125, nil)
	store.Register(tun)

	require.NoError(t, store.Set("disable_load_threshold", 100))
	assert.Equal(t, uint(100), tun.Get())

	value, err := store.Get("disable_load_threshold")
	require.NoError(t, err)
	assert.Equal(t, int64(100), value)
}

func TestStoreRejectsOutOfRange(t *testing.T) {
	store := NewStore()
	tun := New[uint]("disable_load_threshold", 80, 40, 125, nil)
	store.Register(tun)

	assert.ErrorIs(t, store.Set("disable_load_threshold", 10), ErrOutOfRange)
	assert.Equal(t, uint(80), tun.Get())
}

func TestStoreUnknownName(t *testing.T) {
	store := NewStore()

	assert.ErrorIs(t, store.Set("no_such_param", 1), ErrUnknown)
	_, err := store.Get("no_such_param")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestStoreNames(t *testing.T) {
	store := NewStore()
	store.Register(
		New[uint]("a", 1, 0, 10, nil),
		New[uint]("b", 2, 0, 10, nil),
	)

	assert.ElementsMatch(t, []string{"a", "b"}, store.Names())
}
