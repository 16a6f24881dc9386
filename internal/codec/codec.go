// Package codec implements spec.md §4.1: pure, total (modulo listed
// failures) conversion between expanded (human-readable, field-named)
// and compressed (field-index-keyed) record representations, plus
// schema validation. None of these three operations perform I/O.
package codec

import (
	"fmt"
	"strconv"

	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
)

// TemplateLookup resolves a template by the name used in a record
// section, or by its templateDid. Indexer and Publisher both satisfy
// this with their in-memory template directory.
type TemplateLookup interface {
	ByName(name string) (*oip.Template, bool)
	ByDid(did string) (*oip.Template, bool)
}

// Compress converts an expanded record's sections into the compressed,
// field-index-keyed wire form used on the ledger. Returns UnknownField
// or TypeMismatch wrapped in *oiperr.Error on schema violations.
func Compress(sections map[string]map[string]any, templates TemplateLookup) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(sections))
	for templateName, fields := range sections {
		tmpl, ok := templates.ByName(templateName)
		if !ok {
			return nil, oiperr.Newf(oiperr.UnknownTemplate, "codec.compress", "unknown template %q", templateName)
		}
		compressedSection := make(map[string]any, len(fields)+1)
		for fieldName, value := range fields {
			fd, ok := tmpl.FieldByName(fieldName)
			if !ok {
				return nil, oiperr.Newf(oiperr.UnknownField, "codec.compress", "template %q has no field %q", templateName, fieldName)
			}
			cv, err := compressValue(fd, value)
			if err != nil {
				return nil, err
			}
			compressedSection[strconv.Itoa(fd.Index)] = cv
		}
		compressedSection["t"] = tmpl.TemplateDid
		out[templateName] = compressedSection
	}
	return out, nil
}

func compressValue(fd oip.FieldDef, value any) (any, error) {
	switch fd.Type {
	case oip.FieldEnum:
		s, ok := value.(string)
		if !ok {
			return nil, oiperr.Newf(oiperr.TypeMismatch, "codec.compress", "field %q: enum value must be a string", fd.Name)
		}
		ord, ok := fd.EnumOrdinal(s)
		if !ok {
			return nil, oiperr.Newf(oiperr.TypeMismatch, "codec.compress", "field %q: %q is not a valid enum value", fd.Name, s)
		}
		return ord, nil
	case oip.FieldDref:
		did, ok := value.(string)
		if !ok || !oip.IsValidDid(did) {
			return nil, oiperr.Newf(oiperr.TypeMismatch, "codec.compress", "field %q: dref value must be a did string", fd.Name)
		}
		return did, nil
	case oip.FieldRepeated:
		items, ok := value.([]any)
		if !ok {
			return nil, oiperr.Newf(oiperr.TypeMismatch, "codec.compress", "field %q: repeated value must be an array", fd.Name)
		}
		out := make([]any, len(items))
		elemFd := oip.FieldDef{Name: fd.Name, Type: fd.Of, EnumValues: fd.EnumValues}
		for i, item := range items {
			cv, err := compressValue(elemFd, item)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		if err := checkScalarType(fd, value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

// Expand is the inverse of Compress. Unknown numeric indices are
// preserved under their decimal string key so forward compatibility is
// never lost, per spec.md §4.1.
func Expand(compressed map[string]map[string]any, templates TemplateLookup) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(compressed))
	for templateName, section := range compressed {
		var tmpl *oip.Template
		if td, ok := section["t"].(string); ok {
			tmpl, _ = templates.ByDid(td)
		}
		if tmpl == nil {
			tmpl, _ = templates.ByName(templateName)
		}
		expandedSection := make(map[string]any, len(section))
		for key, value := range section {
			if key == "t" {
				continue
			}
			idx, err := strconv.Atoi(key)
			if err != nil {
				// Already a named key (defensive: compressed input may be
				// partially expanded); pass through unchanged.
				expandedSection[key] = value
				continue
			}
			if tmpl == nil {
				expandedSection[key] = value
				continue
			}
			fd, ok := tmpl.FieldByIndex(idx)
			if !ok {
				expandedSection[key] = value
				continue
			}
			expandedSection[fd.Name] = expandValue(fd, value)
		}
		out[templateName] = expandedSection
	}
	return out, nil
}

func expandValue(fd oip.FieldDef, value any) any {
	switch fd.Type {
	case oip.FieldEnum:
		switch n := value.(type) {
		case int:
			if s, ok := fd.EnumValue(n); ok {
				return s
			}
		case float64:
			if s, ok := fd.EnumValue(int(n)); ok {
				return s
			}
		}
		return value
	case oip.FieldRepeated:
		items, ok := value.([]any)
		if !ok {
			return value
		}
		elemFd := oip.FieldDef{Name: fd.Name, Type: fd.Of, EnumValues: fd.EnumValues}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = expandValue(elemFd, item)
		}
		return out
	default:
		return value
	}
}

// Validate checks an expanded record's sections against their templates
// without dereferencing any dref field (spec.md §4.1: "Reference fields
// are not dereferenced here").
func Validate(sections map[string]map[string]any, templates TemplateLookup) error {
	for templateName, fields := range sections {
		tmpl, ok := templates.ByName(templateName)
		if !ok {
			return oiperr.Newf(oiperr.UnknownTemplate, "codec.validate", "unknown template %q", templateName)
		}
		for fieldName, value := range fields {
			fd, ok := tmpl.FieldByName(fieldName)
			if !ok {
				return oiperr.Newf(oiperr.UnknownField, "codec.validate", "template %q has no field %q", templateName, fieldName)
			}
			if err := checkType(fd, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkType(fd oip.FieldDef, value any) error {
	switch fd.Type {
	case oip.FieldRepeated:
		items, ok := value.([]any)
		if !ok {
			return oiperr.Newf(oiperr.TypeMismatch, "codec.validate", "field %q: expected array", fd.Name)
		}
		elemFd := oip.FieldDef{Name: fd.Name, Type: fd.Of, EnumValues: fd.EnumValues}
		for _, item := range items {
			if err := checkType(elemFd, item); err != nil {
				return err
			}
		}
		return nil
	case oip.FieldEnum:
		s, ok := value.(string)
		if !ok {
			return oiperr.Newf(oiperr.TypeMismatch, "codec.validate", "field %q: expected enum string", fd.Name)
		}
		if _, ok := fd.EnumOrdinal(s); !ok {
			return oiperr.Newf(oiperr.TypeMismatch, "codec.validate", "field %q: %q not in enum", fd.Name, s)
		}
		return nil
	case oip.FieldDref:
		s, ok := value.(string)
		if !ok || !oip.IsValidDid(s) {
			return oiperr.Newf(oiperr.TypeMismatch, "codec.validate", "field %q: expected a did string", fd.Name)
		}
		return nil
	default:
		return checkScalarType(fd, value)
	}
}

func checkScalarType(fd oip.FieldDef, value any) error {
	switch fd.Type {
	case oip.FieldString:
		if _, ok := value.(string); !ok {
			return oiperr.Newf(oiperr.TypeMismatch, "codec", "field %q: expected string, got %T", fd.Name, value)
		}
	case oip.FieldBool:
		if _, ok := value.(bool); !ok {
			return oiperr.Newf(oiperr.TypeMismatch, "codec", "field %q: expected bool, got %T", fd.Name, value)
		}
	case oip.FieldLong, oip.FieldUint64:
		if !isIntegral(value) {
			return oiperr.Newf(oiperr.TypeMismatch, "codec", "field %q: expected integer, got %T", fd.Name, value)
		}
	case oip.FieldFloat:
		switch value.(type) {
		case float64, float32, int, int64:
			// any JSON number
		default:
			return oiperr.Newf(oiperr.TypeMismatch, "codec", "field %q: expected number, got %T", fd.Name, value)
		}
	default:
		return fmt.Errorf("codec: unknown field type %q", fd.Type)
	}
	return nil
}

func isIntegral(value any) bool {
	switch v := value.(type) {
	case int, int64, int32:
		return true
	case float64:
		return v == float64(int64(v))
	default:
		return false
	}
}
