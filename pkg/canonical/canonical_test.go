package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	doc := map[string]any{
		"zeta": 1,
		"alpha": map[string]any{
			"nested_b": "x",
			"nested_a": []any{"m", "n"},
		},
	}

	out, err := Marshal(doc)
	require.NoError(t, err)
	require.Equal(t, `{"alpha":{"nested_a":["m","n"],"nested_b":"x"},"zeta":1}`, string(out))
}

func TestMarshalDeterministic(t *testing.T) {
	doc := map[string]any{
		"license_id": "lic_1",
		"org":        map[string]any{"id": "org_1", "name": "Acme"},
		"features":   []string{"metering", "reports"},
		"limits":     map[string]any{"seat_limit": 5},
	}

	first, err := Marshal(doc)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(doc)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestDecodeRoundTripPreservesBytes(t *testing.T) {
	doc := map[string]any{
		"b": int64(42),
		"a": "text",
		"c": map[string]any{"y": true, "x": nil},
	}

	first, err := Marshal(doc)
	require.NoError(t, err)

	decoded, err := Decode(first)
	require.NoError(t, err)

	again, err := Marshal(decoded)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestMarshalRejectsNonIntegralFloat(t *testing.T) {
	_, err := Marshal(map[string]any{"v": 1.5})
	require.ErrorIs(t, err, ErrNonIntegralFloat)

	_, err = Marshal(map[string]any{"v": json.Number("2.25")})
	require.ErrorIs(t, err, ErrNonIntegralFloat)
}

func TestMarshalRejectsUnsupportedType(t *testing.T) {
	_, err := Marshal(map[string]any{"v": struct{}{}})
	require.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestMarshalIntegralFloatMatchesInt(t *testing.T) {
	a, err := Marshal(map[string]any{"v": float64(7)})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"v": 7})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestStripRemovesSignatureOnly(t *testing.T) {
	doc := map[string]any{
		"license_id": "lic_1",
		"signature":  map[string]any{"key_id": "k1", "value": "sig"},
	}

	stripped := Strip(doc)
	require.NotContains(t, stripped, "signature")
	require.Equal(t, "lic_1", stripped["license_id"])
	// original untouched
	require.Contains(t, doc, "signature")
}
