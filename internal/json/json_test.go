package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	data, err := Marshal(sample{Name: "team", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"team","count":2}`, string(data))
	assert.True(t, Valid(data))

	var out sample
	require.NoError(t, Unmarshal([]byte(`{"name":"ops","count":3,"tags":["a"]}`), &out))
	assert.Equal(t, sample{Name: "ops", Count: 3, Tags: []string{"a"}}, out)

	assert.False(t, Valid([]byte(`{"name":`)))
	assert.Error(t, Unmarshal([]byte(`{"count":"x"}`), &out))
}

func TestMapKeysSorted(t *testing.T) {
	data, err := Marshal(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(data))
}
