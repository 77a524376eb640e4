package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	schemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parachute-dev/parachute/internal/perrors"
)

// maxBodyBytes bounds API request bodies. Attachments travel as vault
// paths, never inline, so requests stay small.
const maxBodyBytes = 1 << 20

// mustSchema reflects a JSON Schema from the request struct and
// compiles it. Called at init; a failure is a programming error.
func mustSchema(v any) *jsonschema.Schema {
	reflector := schemagen.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	generated := reflector.Reflect(v)
	data, err := json.Marshal(generated)
	if err != nil {
		panic(fmt.Sprintf("marshal schema: %v", err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("request.json", bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	return compiler.MustCompile("request.json")
}

var (
	chatSchema          = mustSchema(&chatRequest{})
	answerSchema        = mustSchema(&answerRequest{})
	grantSchema         = mustSchema(&grantRequest{})
	denySchema          = mustSchema(&denyRequest{})
	sessionPatchSchema  = mustSchema(&sessionConfigPatch{})
	pairingApproveSchema = mustSchema(&pairingApproveRequest{})
	loginSchema         = mustSchema(&loginRequest{})
)

// decodeValid reads the body, checks it against the schema, and decodes
// it into dst. Violations come back as protocol errors that map to 400.
func decodeValid(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return perrors.Protocol("read request body", err)
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return perrors.Protocol("request body is not valid JSON", err)
	}
	if schema != nil {
		if err := schema.Validate(raw); err != nil {
			return perrors.Protocol("validation", err)
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return perrors.Protocol("decode request body", err)
	}
	return nil
}
