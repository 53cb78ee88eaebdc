package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/tidwall/gjson"
)

var errInvalidChunk = errors.New("invalid response chunk")

// ParseChunk decodes one generateContent response. An "error" object in the
// payload is returned as *domain.APIError.
func ParseChunk(raw []byte) (*domain.GenerateChunk, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: %.64s", errInvalidChunk, raw)
	}
	root := gjson.ParseBytes(raw)

	if e := root.Get("error"); e.Exists() {
		return nil, apiErrorFrom(e, 0)
	}

	chunk := &domain.GenerateChunk{Raw: append(json.RawMessage(nil), raw...)}

	cand := root.Get("candidates.0")
	chunk.FinishReason = cand.Get("finishReason").String()

	if parts := cand.Get("content.parts"); parts.IsArray() {
		if err := json.Unmarshal([]byte(parts.Raw), &chunk.Parts); err != nil {
			return nil, fmt.Errorf("%w: parts: %v", errInvalidChunk, err)
		}
	}

	if usage := root.Get("usageMetadata"); usage.IsObject() {
		chunk.Usage = &domain.UsageMetadata{}
		if err := json.Unmarshal([]byte(usage.Raw), chunk.Usage); err != nil {
			return nil, fmt.Errorf("%w: usage: %v", errInvalidChunk, err)
		}
	}

	grounding, err := parseGrounding(cand)
	if err != nil {
		return nil, err
	}
	chunk.Grounding = grounding

	return chunk, nil
}

// parseGrounding collects grounding sources from the search grounding block,
// citation metadata and URL-context tool results.
func parseGrounding(cand gjson.Result) (*domain.GroundingMetadata, error) {
	var gm *domain.GroundingMetadata

	if g := cand.Get("groundingMetadata"); g.IsObject() {
		gm = &domain.GroundingMetadata{}
		if err := json.Unmarshal([]byte(g.Raw), gm); err != nil {
			return nil, fmt.Errorf("%w: grounding: %v", errInvalidChunk, err)
		}
	}

	ensure := func() {
		if gm == nil {
			gm = &domain.GroundingMetadata{}
		}
	}

	citations := cand.Get("citationMetadata.citations")
	if !citations.Exists() {
		citations = cand.Get("citationMetadata.citationSources")
	}
	citations.ForEach(func(_, v gjson.Result) bool {
		ensure()
		gm.Citations = append(gm.Citations, domain.Citation{
			URI:        v.Get("uri").String(),
			Title:      v.Get("title").String(),
			StartIndex: int(v.Get("startIndex").Int()),
			EndIndex:   int(v.Get("endIndex").Int()),
		})
		return true
	})

	cand.Get("urlContextMetadata.urlMetadata").ForEach(func(_, v gjson.Result) bool {
		uri := v.Get("retrievedUrl").String()
		if uri == "" {
			return true
		}
		ensure()
		gm.GroundingChunks = append(gm.GroundingChunks, domain.GroundingChunk{
			Web: &domain.WebSource{URI: uri, Title: uri},
		})
		return true
	})

	return gm, nil
}

func apiErrorFrom(e gjson.Result, status int) *domain.APIError {
	name := e.Get("status").String()
	if name == "" {
		name = http.StatusText(status)
	}
	if name == "" {
		name = "APIError"
	}
	code := int(e.Get("code").Int())
	if code == 0 {
		code = status
	}
	msg := e.Get("message").String()
	if msg == "" {
		msg = e.Raw
	}
	return &domain.APIError{Name: name, Message: msg, Status: code}
}
