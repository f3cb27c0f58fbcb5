// Package apierr writes the HTTP surface's JSON error envelope. The envelope
// shape follows the lineage's OpenAI-compatible error body; the contents now
// carry the quoteerr taxonomy (spec §7) instead of an LLM provider error.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/marketfeed/quoteproxy/internal/quoteerr"
)

// Body is the structured error returned to HTTP clients.
type Body struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Pair    string `json:"pair,omitempty"`
}

type envelope struct {
	Error Body `json:"error"`
}

// Write serializes err as the JSON error envelope with its mapped HTTP
// status and writes both to the fasthttp response.
func Write(ctx *fasthttp.RequestCtx, err *quoteerr.Error) {
	ctx.SetStatusCode(err.HTTPStatus())
	ctx.SetContentType("application/json")

	body := Body{
		Kind:    string(err.Kind),
		Message: err.Error(),
		Source:  err.Source,
	}
	if err.Pair.Valid() {
		body.Pair = err.Pair.Key()
	}
	if err.Kind == quoteerr.KindRateLimited {
		ctx.Response.Header.Set("Retry-After", "60")
	}

	encoded, _ := json.Marshal(envelope{Error: body})
	ctx.SetBody(encoded)
}

// WriteGeneric writes the envelope with kind "internal" and the given
// status for failures that never reach the taxonomy.
func WriteGeneric(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	encoded, _ := json.Marshal(envelope{Error: Body{Kind: "internal", Message: message}})
	ctx.SetBody(encoded)
}
