//go:build property
// +build property

package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"example.com/backstage/services/assetledger/internal/canonical"
)

// Property: key insertion order never changes the canonical bytes.
func TestCanonicalOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reversed insertion order canonicalises identically", prop.ForAll(
		func(keys []string, values []int64) bool {
			forward := make([]byte, 0, 64)
			backward := make([]byte, 0, 64)
			seen := map[string]bool{}
			var pairs [][2]string
			for i := 0; i < len(keys) && i < len(values); i++ {
				if seen[keys[i]] {
					continue
				}
				seen[keys[i]] = true
				k, _ := json.Marshal(keys[i])
				v, _ := json.Marshal(values[i] % (1 << 53))
				pairs = append(pairs, [2]string{string(k), string(v)})
			}
			forward = append(forward, '{')
			for i, p := range pairs {
				if i > 0 {
					forward = append(forward, ',')
				}
				forward = append(forward, p[0]+":"+p[1]...)
			}
			forward = append(forward, '}')
			backward = append(backward, '{')
			for i := len(pairs) - 1; i >= 0; i-- {
				if i != len(pairs)-1 {
					backward = append(backward, ',')
				}
				backward = append(backward, pairs[i][0]+":"+pairs[i][1]...)
			}
			backward = append(backward, '}')

			a, errA := canonical.Transform(forward)
			b, errB := canonical.Transform(backward)
			if errA != nil || errB != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}

// Property: canonicalisation is idempotent.
func TestCanonicalIdempotent(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("Transform(Transform(x)) == Transform(x)", prop.ForAll(
		func(m map[string]string) bool {
			raw, err := json.Marshal(m)
			if err != nil {
				return false
			}
			once, err := canonical.Transform(raw)
			if err != nil {
				return false
			}
			twice, err := canonical.Transform(once)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		gen.MapOf(gen.AlphaString(), gen.AnyString()),
	))

	properties.TestingRun(t)
}
