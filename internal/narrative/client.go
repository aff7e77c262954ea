package narrative

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/edit"
)

// Prompt is one request to the completion endpoint.
type Prompt struct {
	Stage  string
	System string
	User   string
	Schema map[string]any
}

// Completer sends a prompt to a text-completion endpoint and returns the raw text.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Client implements Service over a Completer: it formats the stage context, sends it and
// decodes the reply with the stage's strict decoder.
type Client struct {
	completer Completer
	logger    *slog.Logger
}

func NewClient(completer Completer, logger *slog.Logger) *Client {
	return &Client{completer: completer, logger: logger}
}

func (c *Client) Plan(ctx context.Context, req PlanRequest) (*edit.Plan, error) {
	var plan *edit.Plan
	err := c.call(ctx, StagePlan, formatPlan(req), req.Strict, req.Log, func(raw string) (err error) {
		plan, err = DecodePlan(raw)
		return err
	})
	return plan, err
}

func (c *Client) Select(ctx context.Context, req SelectRequest) (*SelectResponse, error) {
	var resp *SelectResponse
	err := c.call(ctx, StageSelect, formatSelect(req), req.Strict, req.Log, func(raw string) (err error) {
		resp, err = DecodeSelection(raw, req.Relax)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range resp.Selections {
		resp.Selections[i].BeatNumber = req.Beat.Number
	}
	return resp, nil
}

func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*edit.Report, error) {
	var report *edit.Report
	err := c.call(ctx, StageVerify, formatVerify(req), req.Strict, req.Log, func(raw string) (err error) {
		report, err = DecodeReport(raw)
		return err
	})
	return report, err
}

func (c *Client) call(ctx context.Context, stage, user string, strict bool, log *InteractionLog, decode func(string) error) error {
	p := Prompt{Stage: stage, System: systemPrompts[stage], User: user, Schema: schemas[stage]}

	start := time.Now()
	raw, err := c.completer.Complete(ctx, p)
	if err != nil {
		err = fmt.Errorf("%s call: %w", stage, err)
	} else {
		err = decode(raw)
	}

	in := Interaction{
		Stage:    stage,
		Strict:   strict,
		System:   p.System,
		Prompt:   user,
		Response: raw,
		Duration: time.Since(start),
	}
	if err != nil {
		in.Error = err.Error()
	}
	log.Record(in)

	if c.logger != nil {
		if err != nil {
			c.logger.Warn("generation call failed", "stage", stage, "strict", strict,
				"session_id", log.SessionID(), "error", err)
		} else {
			c.logger.Debug("generation call completed", "stage", stage, "strict", strict,
				"prompt_chars", len(user), "response_chars", len(raw), "duration", in.Duration)
		}
	}
	return err
}

// schemas are the response formats sent to endpoints that support structured output.
var schemas = map[string]map[string]any{
	StagePlan: object(map[string]any{
		"story_angle": str(),
		"notes":       str(),
		"beats": array(object(map[string]any{
			"beat_number":     num("integer"),
			"title":           str(),
			"description":     str(),
			"purpose":         str(),
			"target_duration": num("number"),
			"required_types":  array(str()),
			"requirements":    str(),
		}, "beat_number", "title", "description", "target_duration")),
	}, "beats"),
	StageSelect: object(map[string]any{
		"reasoning": str(),
		"selections": array(object(map[string]any{
			"shot_id":   num("integer"),
			"trim_in":   str(),
			"trim_out":  str(),
			"rationale": str(),
		}, "shot_id", "trim_in", "trim_out", "rationale")),
		"relaxation": object(map[string]any{
			"query":          str(),
			"required_types": array(str()),
			"min_duration":   num("number"),
			"max_duration":   num("number"),
			"reason":         str(),
		}),
	}),
	StageVerify: object(map[string]any{
		"approved":        map[string]any{"type": "boolean"},
		"overall_score":   num("number"),
		"scores":          map[string]any{"type": "object", "additionalProperties": num("number")},
		"strengths":       array(str()),
		"recommendations": array(str()),
		"summary":         str(),
		"issues": array(object(map[string]any{
			"severity":    map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
			"category":    str(),
			"description": str(),
			"location":    str(),
			"suggestion":  str(),
			"beat_number": num("integer"),
		}, "severity", "description")),
	}, "approved", "overall_score", "issues"),
}

func object(props map[string]any, required ...string) map[string]any {
	o := map[string]any{"type": "object", "properties": props, "additionalProperties": false}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

func array(items map[string]any) map[string]any {
	return map[string]any{"type": "array", "items": items}
}

func str() map[string]any { return map[string]any{"type": "string"} }

func num(typ string) map[string]any { return map[string]any{"type": typ} }
