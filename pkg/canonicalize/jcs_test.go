package canonicalize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": []interface{}{map[string]interface{}{"k2": true, "k1": nil}},
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"k1":null,"k2":true}],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"q": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"<a&b>"}`, string(b))
}

func TestJCS_StructTags(t *testing.T) {
	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
		Skip  string `json:"-"`
	}
	b, err := JCS(payload{Zeta: "z", Alpha: 7, Skip: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zeta":"z"}`, string(b))
}

func TestJCS_NFCNormalization(t *testing.T) {
	// Decomposed and precomposed e-acute must hash the same.
	decomposed := map[string]string{"name": "e\u0301"}
	precomposed := map[string]string{"name": "\u00e9"}

	h1, err := CanonicalHash(decomposed)
	require.NoError(t, err)
	h2, err := CanonicalHash(precomposed)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": []int{1, 2, 3}}
	b := map[string]interface{}{"a": []int{1, 2, 3}, "b": 1}

	h1, err := CanonicalHash(a)
	require.NoError(t, err)
	h2, err := CanonicalHash(b)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashBytes_KnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
	assert.Equal(t,
		"sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		PrefixedHash([]byte{}))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	h, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("abc")), h)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestStable_IndentedSortedWithNewline(t *testing.T) {
	b, err := Stable(map[string]interface{}{"b": []string{}, "a": map[string]int{"y": 2, "x": 1}})
	require.NoError(t, err)
	expected := "{\n  \"a\": {\n    \"x\": 1,\n    \"y\": 2\n  },\n  \"b\": []\n}\n"
	assert.Equal(t, expected, string(b))
}

func TestJSONL(t *testing.T) {
	b, err := JSONL([]map[string]int{{"b": 2, "a": 1}, {"c": 3}})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1,\"b\":2}\n{\"c\":3}\n", string(b))

	empty, err := JSONL([]map[string]int{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
