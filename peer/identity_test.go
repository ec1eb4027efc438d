package peer

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityEqualIgnoresPosition(t *testing.T) {
	a := New("1", "foo", "127.0.0.1", 9002, 0)
	b := New("1", "foo", "127.0.0.1", 9002, 42.5)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	c := New("1", "foo", "127.0.0.1", 9003, 0)
	assert.False(t, a.Equal(c))
}

func TestIdentityPositionDoesNotAffectMembership(t *testing.T) {
	id := New("1", "foo", "127.0.0.1", 9002, 0)
	set := map[Key]*Identity{id.Key(): id}

	id.SetPosition(3.25)

	got, ok := set[id.Key()]
	require.True(t, ok)
	assert.Same(t, id, got)
	assert.Equal(t, 3.25, got.Position())
	assert.Len(t, set, 1)
}

func TestIdentitySharedPointerObservesUpdates(t *testing.T) {
	id := New("1", "foo", "127.0.0.1", 9002, 0)
	byAddr := map[string]*Identity{id.Address(): id}

	id.SetPosition(-1.5)

	assert.Equal(t, -1.5, byAddr["127.0.0.1:9002"].Position())
}

func TestIdentityEqualNil(t *testing.T) {
	var a, b *Identity
	assert.True(t, a.Equal(b))
	assert.False(t, New("1", "foo", "h", 1, 0).Equal(nil))
}

func TestEncodeDecode(t *testing.T) {
	id := New("node-a", "x", "10.0.0.1", 5555, 1.5)

	data, err := Encode(id)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "node-a", raw["id"])
	assert.Equal(t, "x", raw["namespace"])
	assert.Equal(t, "10.0.0.1", raw["host"])
	assert.EqualValues(t, 5555, raw["port"])
	assert.EqualValues(t, 1.5, raw["position"])

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, id.Equal(decoded))
	assert.Equal(t, 1.5, decoded.Position())
}

func TestDecodeRejectsInvalid(t *testing.T) {
	cases := map[string]struct {
		input []byte
		want  error
	}{
		"missing id":        {[]byte(`{"namespace":"x","host":"h","port":1}`), ErrMissingID},
		"missing namespace": {[]byte(`{"id":"a","host":"h","port":1}`), ErrMissingNamespace},
		"bad port":          {[]byte(`{"id":"a","namespace":"x","host":"h","port":70000}`), ErrInvalidPort},
		"null":              {[]byte(`null`), ErrMissingID},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	_, err := Decode([]byte("hello there"))
	assert.Error(t, err)
}

func TestValidatePosition(t *testing.T) {
	assert.NoError(t, ValidatePosition(-2.5))
	for _, pos := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, ValidatePosition(pos), ErrInvalidPosition)
	}

	id := New("a", "x", "h", 1, 0)
	id.SetPosition(math.NaN())
	assert.ErrorIs(t, id.Validate(), ErrInvalidPosition)
}

func TestKeyString(t *testing.T) {
	id := New("a", "x", "::1", 80, 0)
	assert.Equal(t, "a@x([::1]:80)", id.String())
	assert.Equal(t, LocalKey{ID: "a", Namespace: "x"}, id.LocalKey())
}

func TestClone(t *testing.T) {
	id := New("a", "x", "h", 1, 2)
	c := id.Clone()
	c.SetPosition(5)

	assert.True(t, id.Equal(c))
	assert.Equal(t, 2.0, id.Position())
}

// FuzzDecode checks that arbitrary input never panics the identity codec.
// Run with: go test -fuzz=FuzzDecode -fuzztime=30s ./peer/
func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"id":"1","namespace":"foo","host":"127.0.0.1","port":9002,"position":0}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`null`))
	f.Add([]byte(`"string"`))

	f.Fuzz(func(t *testing.T, data []byte) {
		id, err := Decode(data)
		if err == nil {
			if _, err := Encode(id); err != nil {
				t.Errorf("Decoded identity failed to re-encode: %v", err)
			}
		}
	})
}
