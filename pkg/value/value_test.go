package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTruthiness(t *testing.T) {
	require.False(t, Nil.Truthy())
	require.False(t, False.Truthy())
	require.True(t, True.Truthy())
	require.True(t, NewInt(0).Truthy())
	require.True(t, NewString("").Truthy())

	tagged := Nil.PushTag(7)
	require.True(t, tagged.Truthy(), "tagged nil is truthy, it carries a constructor")
}

func TestTagStack(t *testing.T) {
	v := NewInt(42)
	require.False(t, v.Tagged())

	v1 := v.PushTag(1)
	v2 := v1.PushTag(2)
	require.Equal(t, int32(2), v2.TopTag())
	require.True(t, v2.TagDepthOK())

	popped := v2.PopTag()
	require.Equal(t, int32(1), popped.TopTag())
	require.Equal(t, int64(42), popped.I)
}

func TestEqualRoundTrip(t *testing.T) {
	// Testable Property 1: value round-trip under ==, except NaN.
	cases := []*Value{
		NewInt(7), NewReal(3.5), NewBool(true), Nil, NewString("hi"),
		NewArray(NewInt(1), NewInt(2)),
	}
	for _, c := range cases {
		require.True(t, Equal(c, c))
	}

	nan := NewReal(math.NaN())
	require.False(t, Equal(nan, nan))
}

func TestDictBasic(t *testing.T) {
	d := NewDict()
	k1, k2 := NewString("a"), NewString("b")
	d.Dct.Set(k1, NewInt(1))
	d.Dct.Set(k2, NewInt(2))
	require.Equal(t, 2, d.Dct.Len())
	require.Equal(t, int64(1), d.Dct.Get(k1).I)

	d.Dct.Delete(k1)
	require.Equal(t, 1, d.Dct.Len())
	require.False(t, d.Dct.Has(k1))

	d.Dct.Default = NewInt(-1)
	require.Equal(t, int64(-1), d.Dct.Get(k1).I)
}

func TestDictGrowPreservesEntries(t *testing.T) {
	d := NewDict()
	for i := 0; i < 100; i++ {
		d.Dct.Set(NewInt(int64(i)), NewInt(int64(i*i)))
	}
	require.Equal(t, 100, d.Dct.Len())
	for i := 0; i < 100; i++ {
		got := d.Dct.Get(NewInt(int64(i)))
		require.Equal(t, int64(i*i), got.I)
	}
}

func TestStringSlicesShareStorage(t *testing.T) {
	s := NewString("hello world")
	sl := s.Slice(6, 5)
	require.Equal(t, "world", sl.StringVal())
	require.Same(t, s, sl.Root)
}

func TestCallability(t *testing.T) {
	require.False(t, NewInt(1).Callable())
	require.False(t, Nil.Callable())
}
