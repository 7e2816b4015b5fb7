package metrics

import (
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-gate/types"
)

const expositionContentType = "text/plain; version=0.0.4; charset=utf-8"

// RegisterEndpoint declares the exposition route on the gate router.
// The route compiles into a regular endpoint, so group middleware never
// touches it but the dispatch path (and its own request counters) do.
func RegisterEndpoint(router types.HTTPRouter, manager types.MetricsManager, path string) {
	if path == "" {
		path = "/metrics"
	}

	router.Route(fasthttp.MethodGet, path, func(ctx *types.RequestCtx) (interface{}, error) {
		payload, err := manager.GetMetrics()
		if err != nil {
			return nil, err
		}

		return &types.RawResponse{
			Body:        payload,
			ContentType: expositionContentType,
			Status:      fasthttp.StatusOK,
		}, nil
	}).Named("metrics.exposition")
}
