package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStringMap(t *testing.T) {
	t.Run("trims and drops blank entries", func(t *testing.T) {
		input := map[string]string{
			" channel ": " default-channel ",
			"note":      " ",
			" ":         "ignored",
		}

		actual := NormalizeStringMap(input, MapLimits{})
		assert.Equal(t, map[string]string{"channel": "default-channel"}, actual)
	})

	t.Run("applies limits", func(t *testing.T) {
		input := map[string]string{
			"b_key":     "żółw-żółw",
			"a_key":     "short",
			"c_dropped": "x",
		}

		actual := NormalizeStringMap(input, MapLimits{MaxEntries: 2, KeyRunes: 5, ValueRunes: 4})
		assert.Equal(t, map[string]string{"a_key": "short", "b_key": "żółw"}, actual)
	})

	t.Run("returns nil when nothing survives", func(t *testing.T) {
		assert.Nil(t, NormalizeStringMap(nil, MapLimits{}))
		assert.Nil(t, NormalizeStringMap(map[string]string{"k": " "}, MapLimits{}))
	})
}
