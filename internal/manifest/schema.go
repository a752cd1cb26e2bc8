package manifest

import (
	"embed"
	"fmt"
	"pbak/internal/backuperr"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/juju/gojsonschema"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// resourceKeyPattern mirrors the property pattern of the manifest
// "resources" object.
var resourceKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// ValidResourceKey reports whether key may name a manifest resource entry.
// Valid keys are also safe to use as a single folder name.
func ValidResourceKey(key string) bool {
	return resourceKeyPattern.MatchString(key)
}

// SchemaFor returns the raw JSON schema document for kind at version.
func SchemaFor(kind SchemaKind, version int) ([]byte, error) {
	switch kind {
	case BackupManifest, ArchiveJSONBlock:
	default:
		return nil, backuperr.New(backuperr.Unknown, "did not recognize schema kind %d", int(kind))
	}

	data, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s.%d.schema.json", kind, version))
	if err != nil {
		return nil, backuperr.Wrap(backuperr.UnsupportedBackupVersion, err, "no %s schema for version %d", kind, version)
	}
	return data, nil
}

// Validate checks doc against the schema for kind at version. doc may be a
// Go value or raw JSON bytes.
func Validate(doc any, kind SchemaKind, version int) (Result, error) {
	schemaData, err := SchemaFor(kind, version)
	if err != nil {
		return Result{}, err
	}

	var schema map[string]any
	if err := json.Unmarshal(schemaData, &schema); err != nil {
		return Result{}, fmt.Errorf("failed to parse %s schema: %w", kind, err)
	}

	generic, err := toGeneric(doc)
	if err != nil {
		return Result{}, err
	}

	res, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(generic))
	if err != nil {
		return Result{}, fmt.Errorf("failed to validate against %s schema: %w", kind, err)
	}

	out := Result{Valid: res.Valid()}
	for _, e := range res.Errors() {
		out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return out, nil
}

// toGeneric round-trips doc through JSON so the validator sees plain maps,
// slices and float64 numbers regardless of the Go types involved.
func toGeneric(doc any) (any, error) {
	var data []byte
	switch v := doc.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document: %w", err)
		}
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "document is not valid JSON")
	}
	return generic, nil
}
