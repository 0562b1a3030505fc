package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ClockTool reports the current date and time, optionally in a named zone.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates a current_time tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

func (t *ClockTool) Name() string { return "current_time" }
func (t *ClockTool) Description() string {
	return "Get the current date and time. Optionally pass an IANA time zone such as Europe/Berlin."
}

func (t *ClockTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA time zone name, defaults to UTC"
			}
		}
	}`)
}

type clockParams struct {
	Timezone string `json:"timezone"`
}

func (t *ClockTool) Execute(_ context.Context, args json.RawMessage) (*Result, error) {
	var params clockParams
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return errResult("invalid arguments: " + err.Error()), nil
		}
	}

	loc := time.UTC
	if params.Timezone != "" {
		l, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return errResult(fmt.Sprintf("unknown time zone: %s", params.Timezone)), nil
		}
		loc = l
	}

	now := t.now().In(loc)
	return &Result{Output: fmt.Sprintf("%s (%s, %s)", now.Format(time.RFC3339), now.Weekday(), loc)}, nil
}
