package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/canvasmate/internal/canvas"
)

var fencedBlock = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// Extract returns the best-effort JSON substring of a model reply:
// the interior of the first fenced code block, else the span from the first
// '{' to the last '}', else the trimmed reply. It never fails.
func Extract(raw string) string {
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start != -1 && end > start {
		return raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}

// ParseResponse parses extracted text into an AIResponse. The "actions" field
// must be present and be an array; an empty array is a valid turn. Entries of
// the array are decoded one by one and never fail the whole response.
func ParseResponse(text string) (*canvas.AIResponse, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", canvas.ErrInvalidModelOutput, err)
	}

	rawActions, ok := envelope["actions"]
	if !ok {
		return nil, fmt.Errorf("%w: response has no actions", canvas.ErrInvalidModelOutput)
	}
	rawActions = bytes.TrimSpace(rawActions)
	if len(rawActions) == 0 || rawActions[0] != '[' {
		return nil, fmt.Errorf("%w: actions is not an array", canvas.ErrInvalidModelOutput)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(rawActions, &entries); err != nil {
		return nil, fmt.Errorf("%w: actions: %v", canvas.ErrInvalidModelOutput, err)
	}
	// Malformed entries are kept in place so the scene manager skips them
	// individually and the rest of the turn still applies.
	resp := &canvas.AIResponse{Actions: make([]canvas.AIAction, 0, len(entries))}
	for _, entry := range entries {
		resp.Actions = append(resp.Actions, canvas.DecodeAction(entry))
	}

	if rawExplanation, ok := envelope["explanation"]; ok {
		if err := json.Unmarshal(rawExplanation, &resp.Explanation); err != nil {
			log.Debug().Err(err).Msg("Ignoring non-string explanation in model reply")
		}
	}
	return resp, nil
}

// Interpretation is the outcome of reading one model reply.
type Interpretation struct {
	Response  *canvas.AIResponse
	Extracted string
	Repair    RepairStats
}

// Interpreter reads raw model replies. With RepairJSON set, an extracted
// object that is not valid JSON gets one repair pass before parsing fails.
type Interpreter struct {
	RepairJSON bool
}

func (in Interpreter) Interpret(raw string) (*Interpretation, error) {
	out := &Interpretation{Extracted: Extract(raw)}

	resp, err := ParseResponse(out.Extracted)
	if err == nil {
		out.Response = resp
		return out, nil
	}
	if !in.RepairJSON || !strings.HasPrefix(out.Extracted, "{") || json.Valid([]byte(out.Extracted)) {
		return out, err
	}

	repaired, stats, repairErr := RepairJSON(out.Extracted)
	out.Repair = stats
	if repairErr != nil {
		log.Debug().Err(repairErr).Strs("strategies", stats.Strategies).Msg("Model reply could not be repaired")
		return out, err
	}

	resp, err = ParseResponse(repaired)
	if err != nil {
		return out, err
	}
	log.Debug().
		Strs("strategies", stats.Strategies).
		Int("original_bytes", stats.OriginalBytes).
		Int("repaired_bytes", stats.RepairedBytes).
		Msg("Model reply repaired")
	out.Extracted = repaired
	out.Response = resp
	return out, nil
}
