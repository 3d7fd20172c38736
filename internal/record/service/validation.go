package service

import (
	"bytes"
	"encoding/json"
	"fmt"

	"changehub/internal/record/models"
	dErrors "changehub/pkg/domain-errors"
)

// validateWrite rejects malformed input before any state is touched and
// returns the sections in canonical form. The canonical bytes are what gets
// stored and hashed.
func validateWrite(req WriteRequest) (models.Sections, error) {
	if req.RecordID < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "record id must not be negative")
	}
	if len(req.Sections) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one section is required")
	}
	out := make(models.Sections, len(req.Sections))
	for name, raw := range req.Sections {
		if !name.IsValid() {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown section %q", name))
		}
		if models.IsNull(raw) {
			out[name] = raw
			continue
		}
		if !json.Valid(raw) {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("section %s is not valid JSON", name))
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("section %s must be a JSON object", name))
		}
		canon, err := models.Canonicalize(raw)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("section %s: %v", name, err))
		}
		// JSONB cannot store NUL inside strings.
		if bytes.Contains(canon, []byte(`\u0000`)) {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("section %s contains a NUL character", name))
		}
		out[name] = canon
	}
	return out, nil
}
