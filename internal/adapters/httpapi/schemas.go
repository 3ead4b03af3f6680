package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

var (
	moveSchema = jsonschema.MustCompileString("move.json", `{
  "type": "object",
  "required": ["unit_id"],
  "additionalProperties": false,
  "properties": {
    "unit_id": {"type": "string", "minLength": 1},
    "target_slot_id": {"type": ["string", "null"], "minLength": 1}
  }
}`)

	swapSchema = jsonschema.MustCompileString("swap.json", `{
  "type": "object",
  "required": ["unit_a", "unit_b"],
  "additionalProperties": false,
  "properties": {
    "unit_a": {"type": "string", "minLength": 1},
    "unit_b": {"type": "string", "minLength": 1}
  }
}`)

	profilePatchSchema = jsonschema.MustCompileString("profile_patch.json", `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": false,
  "properties": {
    "speed_tier": {"enum": ["FAST", "AVERAGE", "SLOW"]},
    "admin_priority_adjustment": {"type": "integer", "minimum": -10, "maximum": 10},
    "notes": {"type": "string", "maxLength": 2000}
  }
}`)
)

// errInvalidRequest помечает ошибки разбора и валидации тела запроса.
var errInvalidRequest = errors.New("invalid request")

// decodeValid читает тело, проверяет его по схеме и раскладывает в dst.
func decodeValid(body io.Reader, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errInvalidRequest, err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: malformed json: %v", errInvalidRequest, err)
	}
	if err := schema.Validate(payload); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			for len(verr.Causes) > 0 {
				verr = verr.Causes[0]
			}
			return fmt.Errorf("%w: %s: %s", errInvalidRequest, verr.InstanceLocation, verr.Message)
		}
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}
