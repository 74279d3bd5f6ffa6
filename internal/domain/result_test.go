package domain

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessedResultRejectsInvalidInput(t *testing.T) {
	_, err := NewProcessedResult([]byte{1}, []byte{2}, 0, 10)
	require.Error(t, err)

	_, err = NewProcessedResult(nil, []byte{2}, 10, 10)
	require.Error(t, err)
}

func TestProcessedResultResponseShape(t *testing.T) {
	res, err := NewProcessedResult([]byte("orig"), []byte("cut"), 2000, 1000)
	require.NoError(t, err)

	body, err := json.Marshal(res.Response())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.EqualValues(t, 2000, decoded["width"])
	assert.EqualValues(t, 1000, decoded["height"])
	assert.Equal(t, map[string]any{"width": float64(2000), "height": float64(1000)}, decoded["dimensions"])

	processed, ok := decoded["processedImage"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(processed, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(processed, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, "cut", string(raw))
	assert.Equal(t, len("orig")+len("cut"), res.Bytes())
}
