package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// HandleRequest adapts a typed function into a RequestHandler. The JSON schema of P is
// reflected once; inbound params are validated against it and decoded into P before fn runs.
// Params that fail validation are answered with an invalid params error listing the
// violations, without calling fn.
//
// Struct fields without omitempty are required. Unknown fields, including "_meta", are
// accepted.
func HandleRequest[P, R any](fn func(ctx context.Context, params P) (R, error)) RequestHandler {
	schema, compileErr := compileParamsSchema[P]()

	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		if compileErr != nil {
			return nil, NewJSONRPCError(CodeInternalError, errMsgInternalError, compileErr.Error())
		}
		if len(raw) == 0 || string(raw) == "null" {
			raw = emptyObject
		}

		res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, NewJSONRPCError(CodeInvalidParams, errMsgInvalidParams, err.Error())
		}
		if !res.Valid() {
			violations := make([]string, 0, len(res.Errors()))
			for _, desc := range res.Errors() {
				violations = append(violations, desc.String())
			}
			return nil, NewJSONRPCError(CodeInvalidParams, errMsgInvalidParams, violations)
		}

		var params P
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, NewJSONRPCError(CodeInvalidParams, errMsgInvalidParams, err.Error())
		}
		return fn(ctx, params)
	}
}

// ParamsSchema returns the JSON schema HandleRequest validates params of type P against.
func ParamsSchema[P any]() *jsonschema.Schema {
	t := reflect.TypeFor[P]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		// Only named structs get a definition to expand at the root.
		ExpandedStruct:            t.Kind() == reflect.Struct && t.Name() != "",
		AllowAdditionalProperties: true,
	}
	return r.ReflectFromType(t)
}

func compileParamsSchema[P any]() (*gojsonschema.Schema, error) {
	s := ParamsSchema[P]()
	// gojsonschema only knows drafts up to 7; the reflected keywords are compatible.
	s.Version = ""
	s.ID = ""
	bs, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params schema: %w", err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(bs))
	if err != nil {
		return nil, fmt.Errorf("failed to compile params schema: %w", err)
	}
	return schema, nil
}
