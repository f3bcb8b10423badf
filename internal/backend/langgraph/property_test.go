package langgraph_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/seantiz/orchestra/internal/backend/langgraph"
)

func TestEstimateMonotonicInGraphSize(t *testing.T) {
	a := langgraph.New(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("adding nodes never lowers the estimate", prop.ForAll(
		func(n, extra int) bool {
			small, err1 := a.EstimateResources(chain(n))
			big, err2 := a.EstimateResources(chain(n + extra))
			if err1 != nil || err2 != nil {
				return false
			}
			return big.CPU >= small.CPU && big.MemoryMB >= small.MemoryMB && big.Accelerator >= small.Accelerator
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
