package pdict

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIterRange(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		for i := 0; i < 10; i++ {
			require.NoError(t, d.Add(fmt.Sprintf("k%d", i), i))
		}

		lower, upper := "k3", "k6"
		it, err := d.IterRange(&lower, &upper)
		require.NoError(t, err)
		defer it.Close()

		var keys []string
		for it.Next() {
			keys = append(keys, it.Key())
		}
		require.NoError(t, it.Err())

		// bounds are inclusive
		require.Equal(t, []string{"k3", "k4", "k5", "k6"}, keys)
	})
}

func TestIterRangeOpenBounds(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		for i := 0; i < 5; i++ {
			require.NoError(t, d.Add(fmt.Sprintf("k%d", i), i))
		}

		upper := "k2"
		it, err := d.IterRange(nil, &upper)
		require.NoError(t, err)
		defer it.Close()

		var keys []string
		for it.Next() {
			keys = append(keys, it.Key())
		}
		require.NoError(t, it.Err())
		require.Equal(t, []string{"k0", "k1", "k2"}, keys)

		lower := "k3"
		it, err = d.IterRange(&lower, nil)
		require.NoError(t, err)
		defer it.Close()

		keys = nil
		for it.Next() {
			keys = append(keys, it.Key())
		}
		require.NoError(t, it.Err())
		require.Equal(t, []string{"k3", "k4"}, keys)
	})
}

func TestIterEmptyRange(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("a", 1))
		require.NoError(t, d.Add("z", 26))

		lower, upper := "b", "y"
		it, err := d.IterRange(&lower, &upper)
		require.NoError(t, err)
		defer it.Close()

		require.False(t, it.Next())
		require.NoError(t, it.Err())

		// an exhausted iterator stays exhausted
		require.False(t, it.Next())
	})
}

func TestIterEmptyDictionary(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		it, err := d.Iter()
		require.NoError(t, err)
		defer it.Close()

		require.False(t, it.Next())
		require.NoError(t, it.Err())
	})
}

func TestIterAbandoned(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		for i := 0; i < 10; i++ {
			require.NoError(t, d.Add(fmt.Sprintf("k%d", i), i))
		}

		it, err := d.Iter()
		require.NoError(t, err)

		require.True(t, it.Next())
		require.True(t, it.Next())

		// abandoning mid-scan releases the private cursor
		require.NoError(t, it.Close())
		require.NoError(t, it.Close())
		require.False(t, it.Next())
	})
}

func TestIterDoesNotUsePool(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("a", 1))

		// populate the pool with one idle cursor
		_, err := d.Get("a")
		require.NoError(t, err)
		before := d.pool.size()

		it, err := d.Iter()
		require.NoError(t, err)

		for it.Next() {
		}
		require.NoError(t, it.Err())
		require.Equal(t, before, d.pool.size())

		require.NoError(t, it.Close())
		require.Equal(t, before, d.pool.size())
	})
}

func TestIterSeesCommittedWrites(t *testing.T) {
	// one transaction per step means the scan is read-committed, not a
	// single snapshot: rows committed past the current position show up
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("a", 1))
		require.NoError(t, d.Add("b", 2))

		it, err := d.Iter()
		require.NoError(t, err)
		defer it.Close()

		require.True(t, it.Next())
		require.Equal(t, "a", it.Key())

		require.NoError(t, d.Add("c", 3))

		var rest []string
		for it.Next() {
			rest = append(rest, it.Key())
		}
		require.NoError(t, it.Err())
		require.Equal(t, []string{"b", "c"}, rest)
	})
}
