package record

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordMarshalPreservesOrder(t *testing.T) {
	t.Parallel()

	comment := New().Set("author", String("anonymous")).Set("text", String("setuju"))
	r := New().
		Set("url", String("https://news.detik.com/berita/d-1")).
		Set("title", String("Rapat <DPR> & Pemerintah")).
		Set("tags", Strings([]string{"pemilu", "dpr"})).
		Set("comments", Array(Object(comment))).
		Set("views", Int(42)).
		Set("score", Float(0.5)).
		Set("pinned", Bool(false)).
		Set("editor", Null())

	got, err := r.MarshalJSON()
	require.NoError(t, err)
	want := `{"url":"https://news.detik.com/berita/d-1","title":"Rapat <DPR> & Pemerintah",` +
		`"tags":["pemilu","dpr"],"comments":[{"author":"anonymous","text":"setuju"}],` +
		`"views":42,"score":0.5,"pinned":false,"editor":null}`
	require.Equal(t, want, string(got))
}

func TestRecordSetReplacesInPlace(t *testing.T) {
	t.Parallel()

	r := New().Set("a", Int(1)).Set("b", Int(2)).Set("a", Int(3))
	require.Equal(t, []string{"a", "b"}, r.Keys())
	v, ok := r.Get("a")
	require.True(t, ok)
	n, ok := v.AsInt()
	require.True(t, ok)
	require.EqualValues(t, 3, n)
}

func TestParseRoundTripKeepsKeyOrderAndNumbers(t *testing.T) {
	t.Parallel()

	line := []byte(`{"z":1,"a":{"nested":[true,null,"x",12345678901234567890]},"m":"ü"}`)
	r, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "a", "m"}, r.Keys())

	nested, ok := r.Get("a")
	require.True(t, ok)
	obj, ok := nested.AsObject()
	require.True(t, ok)
	arr, ok := mustGet(t, obj, "nested").AsArray()
	require.True(t, ok)
	require.Len(t, arr, 4)
	require.Equal(t, KindNull, arr[1].Kind())

	out, err := r.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, string(line), string(out))
}

func TestParseRejectsNonObjects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{name: "array", line: `[1,2]`},
		{name: "string", line: `"hello"`},
		{name: "truncated", line: `{"title":"cut`},
		{name: "trailing", line: `{"a":1} {"b":2}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.line))
			require.Error(t, err)
		})
	}

	_, err := Parse([]byte(`[1]`))
	require.True(t, errors.Is(err, ErrNotObject))
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	base := New().Set("url", String("u"))
	clone := base.Clone().Set("scraped_at", String("now"))
	require.Equal(t, 1, base.Len())
	require.Equal(t, 2, clone.Len())
}

func mustGet(t *testing.T, r *Record, key string) Value {
	t.Helper()
	v, ok := r.Get(key)
	require.Truef(t, ok, "missing key %q", key)
	return v
}
