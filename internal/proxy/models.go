package proxy

import (
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
)

// maxModelsBody bounds the buffered /v1/models response. Model lists are
// small; anything beyond this is passed through unfiltered.
const maxModelsBody = 4 << 20

// writeFilteredModels buffers a successful /v1/models response, removes
// entries whose id is in the snapshot's filtered set, and forwards the rest
// verbatim. The body is opaque JSON — gjson/sjson edit it in place without a
// schema, so unknown fields survive untouched.
func (g *Gateway) writeFilteredModels(ctx *fasthttp.RequestCtx, snap *config.Snapshot, att *attempt) {
	defer att.close()

	body, err := io.ReadAll(io.LimitReader(att.resp.Body, maxModelsBody+1))
	if err == nil && len(body) > maxModelsBody {
		// Too large to filter: read the remainder so it passes through whole.
		var rest []byte
		rest, err = io.ReadAll(att.resp.Body)
		body = append(body, rest...)
	}
	if err != nil {
		g.log.Warn("models body read failed", slog.String("error", err.Error()))
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":{"message":"upstream read failed","type":"provider_error","code":"provider_error"}}`)
		return
	}

	if len(body) <= maxModelsBody && len(snap.FilteredModels) > 0 {
		body = filterModels(body, snap)
	}

	ctx.SetStatusCode(att.resp.StatusCode)
	copyResponseHeaders(ctx, att.resp)
	ctx.Response.Header.SetContentLength(len(body))
	ctx.SetBody(body)
}

// filterModels removes filtered ids from the "data" array of an OpenAI
// models response. Bodies that don't carry a data array pass through as-is.
func filterModels(body []byte, snap *config.Snapshot) []byte {
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return body
	}

	kept := make([]string, 0, 16)
	changed := false
	data.ForEach(func(_, model gjson.Result) bool {
		if snap.ModelFiltered(model.Get("id").String()) {
			changed = true
		} else {
			kept = append(kept, model.Raw)
		}
		return true
	})
	if !changed {
		return body
	}

	out, err := sjson.SetRawBytes(body, "data", []byte("["+strings.Join(kept, ",")+"]"))
	if err != nil {
		return body
	}
	return out
}

// modelFromBody extracts the "model" field for request records. Returns ""
// for bodies without one (GET requests, malformed JSON).
func modelFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}
