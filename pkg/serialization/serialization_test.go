package serialization_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goflare.io/swr/pkg/serialization"
)

type product struct {
	Name  string
	Count int
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, name := range []string{serialization.JSONType, serialization.GobType} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			enc, dec, err := serialization.Lookup(name)
			require.NoError(t, err)

			data, err := serialization.Marshal(enc, product{Name: "lamp", Count: 3})
			require.NoError(t, err)

			var got product
			require.NoError(t, serialization.Unmarshal(dec, data, &got))
			require.Equal(t, product{Name: "lamp", Count: 3}, got)
		})
	}

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()

		_, _, err := serialization.Lookup("xml")
		require.Error(t, err)
	})
}
