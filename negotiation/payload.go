package negotiation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/projecteru2/vmcpd/types"
)

const schemaURL = "vmcp.schema.json"

//go:embed vmcp.schema.json
var schemaData []byte

// Fields every VMCP response must carry, checked in this order.
var requiredFields = []string{"name", "secret", "signature"}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaData)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile(schemaURL)
}

// parsePayload decodes a VMCP response body into a Payload. Anything but a
// single JSON object is a QueryError.
func parsePayload(body string) (types.Payload, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var payload types.Payload
	if err := dec.Decode(&payload); err != nil {
		return nil, types.WrapError(types.CodeQueryError, "Unable to parse response data as JSON", err)
	}
	if payload == nil {
		return nil, types.NewError(types.CodeQueryError, "Unable to parse response data as JSON")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, types.NewError(types.CodeQueryError, "Unable to parse response data as JSON")
	}
	return payload, nil
}

// checkShape reports the first missing required field, then validates the
// types of the optional ones.
func checkShape(schema *jsonschema.Schema, payload types.Payload) error {
	for _, field := range requiredFields {
		if !payload.Has(field) {
			return types.NewError(types.CodeUsageError, fmt.Sprintf("Missing '%s' parameter from the VMCP response", field))
		}
	}
	if payload.Has("diskURL") && !payload.Has("diskChecksum") {
		return types.NewError(types.CodeUsageError, "A 'diskURL' was specified, but no 'diskChecksum' was found in the VMCP response")
	}
	if err := schema.Validate(map[string]any(payload)); err != nil {
		return types.WrapError(types.CodeUsageError, "Invalid VMCP response", err)
	}
	return nil
}

// requestURL appends the salt and host ID to a VMCP endpoint, keeping any
// fragment at the end.
func requestURL(endpoint, salt, hostID string) string {
	base, fragment, hasFragment := strings.Cut(endpoint, "#")
	glue := "?"
	if strings.Contains(base, "?") {
		glue = "&"
	}
	u := base + glue + "cvm_salt=" + salt + "&cvm_hostid=" + hostID
	if hasFragment {
		u += "#" + fragment
	}
	return u
}
