package pdict

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"github.com/ostafen/pdict/store"
	badgerstore "github.com/ostafen/pdict/store/badger"
	bboltstore "github.com/ostafen/pdict/store/bbolt"
	memorystore "github.com/ostafen/pdict/store/memory"
)

func runDictTest(t *testing.T, test func(t *testing.T, d *Dictionary[string, int])) {
	backends := []struct {
		name string
		open func(t *testing.T) (store.Store, error)
	}{
		{"memory", func(t *testing.T) (store.Store, error) { return memorystore.Open() }},
		{"bbolt", func(t *testing.T) (store.Store, error) { return bboltstore.Open(t.TempDir()) }},
		{"badger", func(t *testing.T) (store.Store, error) { return badgerstore.Open(t.TempDir()) }},
	}

	for _, b := range backends {
		b := b
		t.Run(b.name, func(t *testing.T) {
			s, err := b.open(t)
			require.NoError(t, err)

			d, err := OpenWithStore[string, int](s)
			require.NoError(t, err)
			defer d.Close()

			test(t, d)
		})
	}
}

func TestGetAbsentKey(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		_, err := d.Get("missing")
		require.ErrorIs(t, err, ErrNotFound)

		_, found, err := d.TryGet("missing")
		require.NoError(t, err)
		require.False(t, found)

		has, err := d.Has("missing")
		require.NoError(t, err)
		require.False(t, has)
	})
}

func TestAddAndGet(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("k", 1))

		v, err := d.Get("k")
		require.NoError(t, err)
		require.Equal(t, 1, v)

		err = d.Add("k", 2)
		require.ErrorIs(t, err, ErrDuplicateKey)

		v, err = d.Get("k")
		require.NoError(t, err)
		require.Equal(t, 1, v)
	})
}

func TestSetIsUpsert(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Set("k", 1))
		require.NoError(t, d.Set("k", 2))

		v, err := d.Get("k")
		require.NoError(t, err)
		require.Equal(t, 2, v)

		n, err := d.Count()
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	})
}

func TestRemove(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("k", 1))

		removed, err := d.Remove("k")
		require.NoError(t, err)
		require.True(t, removed)

		has, err := d.Has("k")
		require.NoError(t, err)
		require.False(t, has)

		removed, err = d.Remove("k")
		require.NoError(t, err)
		require.False(t, removed)
	})
}

func TestRemoveValue(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("k", 1))

		removed, err := d.RemoveValue("k", 2)
		require.NoError(t, err)
		require.False(t, removed)

		v, err := d.Get("k")
		require.NoError(t, err)
		require.Equal(t, 1, v)

		removed, err = d.RemoveValue("k", 1)
		require.NoError(t, err)
		require.True(t, removed)

		has, err := d.Has("k")
		require.NoError(t, err)
		require.False(t, has)
	})
}

func TestContains(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("k", 1))

		ok, err := d.Contains("k", 1)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = d.Contains("k", 2)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = d.Contains("other", 1)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestContainsValue(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("a", 1))
		require.NoError(t, d.Add("b", 2))

		ok, err := d.ContainsValue(2)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = d.ContainsValue(3)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestOrderedIteration(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("a", 1))
		require.NoError(t, d.Add("c", 3))
		require.NoError(t, d.Add("b", 2))

		it, err := d.Iter()
		require.NoError(t, err)
		defer it.Close()

		var keys []string
		var values []int
		for it.Next() {
			keys = append(keys, it.Key())
			values = append(values, it.Value())
		}
		require.NoError(t, it.Err())
		require.Equal(t, []string{"a", "b", "c"}, keys)
		require.Equal(t, []int{1, 2, 3}, values)
	})
}

func TestKeysAndValues(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Add("b", 2))
		require.NoError(t, d.Add("a", 1))

		keys, err := d.Keys()
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, keys)

		values, err := d.Values()
		require.NoError(t, err)
		require.Equal(t, []int{1, 2}, values)
	})
}

func TestBasicScenario(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		require.NoError(t, d.Set("a", 1))
		require.NoError(t, d.Set("b", 2))

		n, err := d.Count()
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		keys, err := d.Keys()
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, keys)

		removed, err := d.Remove("a")
		require.NoError(t, err)
		require.True(t, removed)

		has, err := d.Has("a")
		require.NoError(t, err)
		require.False(t, has)

		n, err = d.Count()
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	})
}

func TestClear(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		for i := 0; i < 100; i++ {
			require.NoError(t, d.Add(fmt.Sprintf("key-%03d", i), i))
		}

		require.NoError(t, d.Clear())

		n, err := d.Count()
		require.NoError(t, err)
		require.Equal(t, int64(0), n)

		keys, err := d.Keys()
		require.NoError(t, err)
		require.Empty(t, keys)
	})
}

func TestBulkRandom(t *testing.T) {
	gofakeit.Seed(42)

	entries := make(map[string]int)
	for len(entries) < 500 {
		entries[gofakeit.LetterN(12)] = gofakeit.Number(0, 1_000_000)
	}

	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		for k, v := range entries {
			require.NoError(t, d.Set(k, v))
		}

		n, err := d.Count()
		require.NoError(t, err)
		require.Equal(t, int64(len(entries)), n)

		sorted := make([]string, 0, len(entries))
		for k := range entries {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)

		keys, err := d.Keys()
		require.NoError(t, err)
		require.Equal(t, sorted, keys)

		for _, k := range sorted {
			v, err := d.Get(k)
			require.NoError(t, err)
			require.Equal(t, entries[k], v)
		}
	})
}

func TestConcurrentSetAndGet(t *testing.T) {
	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				require.NoError(t, d.Set("x", 1))
			}
		}()

		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				v, err := d.Get("x")
				if err != nil {
					// the write may not have landed yet
					require.ErrorIs(t, err, ErrNotFound)
					continue
				}
				require.Equal(t, 1, v)
			}
		}()

		wg.Wait()
	})
}

func TestConcurrentWritersCount(t *testing.T) {
	const (
		writers       = 8
		keysPerWriter = 50
	)

	runDictTest(t, func(t *testing.T, d *Dictionary[string, int]) {
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < keysPerWriter; i++ {
					key := fmt.Sprintf("w%d-%03d", w, i)
					require.NoError(t, d.Add(key, i))
				}
			}(w)
		}
		wg.Wait()

		n, err := d.Count()
		require.NoError(t, err)
		require.Equal(t, int64(writers*keysPerWriter), n)

		// remove every even key from all writers concurrently
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < keysPerWriter; i += 2 {
					key := fmt.Sprintf("w%d-%03d", w, i)
					removed, err := d.Remove(key)
					require.NoError(t, err)
					require.True(t, removed)
				}
			}(w)
		}
		wg.Wait()

		n, err = d.Count()
		require.NoError(t, err)
		require.Equal(t, int64(writers*keysPerWriter/2), n)
	})
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()

	d, err := Open[string, int](dir)
	require.NoError(t, err)

	require.NoError(t, d.Set("a", 1))
	require.NoError(t, d.Set("b", 2))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Close())

	d, err = Open[string, int](dir)
	require.NoError(t, err)
	defer d.Close()

	v, err := d.Get("a")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	n, err := d.Count()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestIntKeys(t *testing.T) {
	d, err := Open[int64, string]("", InMemoryMode[int64, string](true))
	require.NoError(t, err)
	defer d.Close()

	for _, k := range []int64{10, -3, 7, 0, -50} {
		require.NoError(t, d.Set(k, fmt.Sprintf("v%d", k)))
	}

	keys, err := d.Keys()
	require.NoError(t, err)
	require.Equal(t, []int64{-50, -3, 0, 7, 10}, keys)
}

func TestOperationsAfterClose(t *testing.T) {
	d, err := Open[string, int]("", InMemoryMode[string, int](true))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	require.ErrorIs(t, d.Set("k", 1), ErrClosed)

	_, err = d.Get("k")
	require.ErrorIs(t, err, ErrClosed)

	_, err = d.Count()
	require.ErrorIs(t, err, ErrClosed)

	_, err = d.Iter()
	require.ErrorIs(t, err, ErrClosed)

	// Close is idempotent
	require.NoError(t, d.Close())
}

func TestOpenInvalidArguments(t *testing.T) {
	_, err := Open[string, int]("")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = OpenWithStore[string, int](nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	type odd struct{ A int }
	_, err = Open[odd, int]("", InMemoryMode[odd, int](true))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTwoDictionariesOneStore(t *testing.T) {
	s, err := memorystore.Open()
	require.NoError(t, err)

	first, err := OpenWithStore[string, int](s, WithTable[string, int]("first"))
	require.NoError(t, err)

	second, err := OpenWithStore[string, int](s, WithTable[string, int]("second"))
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Set("k", 1))
	require.NoError(t, second.Set("k", 2))

	v, err := first.Get("k")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = second.Get("k")
	require.NoError(t, err)
	require.Equal(t, 2, v)
}
