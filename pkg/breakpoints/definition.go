// Package breakpoints manages the agent's working set of breakpoints:
// parsing definitions, arming them at code locations and capturing
// snapshots or log statements when they are hit.
package breakpoints

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Action selects what a breakpoint does on a hit.
type Action string

const (
	// ActionCapture takes a snapshot and completes the breakpoint.
	ActionCapture Action = "CAPTURE"
	// ActionLog emits a log statement and stays armed.
	ActionLog Action = "LOG"
)

// Definition describes one breakpoint as requested by the user.
type Definition struct {
	ID         string `validate:"required"`
	ClassName  string `validate:"required"` // "example/Greeter"
	Line       int    `validate:"required,gt=0"`
	Action     Action `validate:"oneof=CAPTURE LOG"`
	LogMessage string
	// Watches name side-effect-free methods evaluated on each hit,
	// "example/Stats.total" form. Static and parameterless; anything
	// else is reported as a watch error, not a definition error.
	Watches []string
	// ExpireAfter tears the breakpoint down unhit. Zero means never.
	ExpireAfter time.Duration
}

var validate = validator.New()

// ParseDefinitions reads a definitions document:
//
//	{"breakpoints": [
//	  {"class": "example/Greeter", "line": 42},
//	  {"class": "example/Stats", "line": 7, "action": "LOG",
//	   "log_message": "hit", "watches": ["example/Stats.total"],
//	   "expire_seconds": 600}
//	]}
//
// Missing IDs are generated; the default action is CAPTURE.
func ParseDefinitions(data []byte) ([]*Definition, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("breakpoints: invalid JSON")
	}

	list := gjson.GetBytes(data, "breakpoints")
	if !list.IsArray() {
		return nil, fmt.Errorf("breakpoints: missing \"breakpoints\" array")
	}

	var out []*Definition
	var parseErr error
	list.ForEach(func(_, item gjson.Result) bool {
		def := &Definition{
			ID:         item.Get("id").String(),
			ClassName:  item.Get("class").String(),
			Line:       int(item.Get("line").Int()),
			Action:     Action(item.Get("action").String()),
			LogMessage: item.Get("log_message").String(),
		}
		if def.ID == "" {
			def.ID = uuid.NewString()
		}
		if def.Action == "" {
			def.Action = ActionCapture
		}
		for _, w := range item.Get("watches").Array() {
			def.Watches = append(def.Watches, w.String())
		}
		if s := item.Get("expire_seconds"); s.Exists() {
			def.ExpireAfter = time.Duration(s.Int()) * time.Second
		}

		if err := validate.Struct(def); err != nil {
			parseErr = fmt.Errorf("breakpoints: definition %q: %w", def.ID, err)
			return false
		}
		out = append(out, def)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}
