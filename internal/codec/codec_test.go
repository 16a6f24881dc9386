package codec

import (
	"reflect"
	"testing"

	"github.com/withobsrvr/oip-index-node/internal/oip"
)

func testTemplates() *Directory {
	d := NewDirectory()
	d.Put(&oip.Template{
		TemplateDid: "did:ledger:tmpl-basic",
		Name:        "basic",
		Fields: []oip.FieldDef{
			{Name: "name", Index: 0, Type: oip.FieldString},
			{Name: "language", Index: 1, Type: oip.FieldString},
			{Name: "date", Index: 2, Type: oip.FieldLong},
			{Name: "tagItems", Index: 3, Type: oip.FieldRepeated, Of: oip.FieldString},
		},
	})
	d.Put(&oip.Template{
		TemplateDid: "did:ledger:tmpl-recipe",
		Name:        "recipe",
		Fields: []oip.FieldDef{
			{Name: "prep_time_mins", Index: 0, Type: oip.FieldLong},
			{Name: "cook_time_mins", Index: 1, Type: oip.FieldLong},
			{Name: "servings", Index: 2, Type: oip.FieldLong},
			{Name: "difficulty", Index: 3, Type: oip.FieldEnum, EnumValues: []string{"easy", "medium", "hard"}},
		},
	})
	return d
}

func TestCompressExpandRoundTrip(t *testing.T) {
	templates := testTemplates()
	expanded := map[string]map[string]any{
		"basic": {
			"name":     "Greek Chicken",
			"language": "en",
			"date":     int64(1656486000),
			"tagItems": []any{"greek", "grill"},
		},
		"recipe": {
			"prep_time_mins": int64(10),
			"cook_time_mins": int64(12),
			"servings":       int64(8),
			"difficulty":     "medium",
		},
	}

	compressed, err := Compress(expanded, templates)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if compressed["basic"]["t"] != "did:ledger:tmpl-basic" {
		t.Fatalf("expected templateDid tag, got %v", compressed["basic"]["t"])
	}
	if compressed["recipe"]["3"] != 1 { // "medium" is ordinal 1
		t.Fatalf("expected enum ordinal 1, got %v", compressed["recipe"]["3"])
	}

	roundTripped, err := Expand(compressed, templates)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if !reflect.DeepEqual(roundTripped["basic"]["name"], expanded["basic"]["name"]) {
		t.Fatalf("round trip mismatch: got %v want %v", roundTripped["basic"], expanded["basic"])
	}
	if roundTripped["recipe"]["difficulty"] != "medium" {
		t.Fatalf("expected enum string restored, got %v", roundTripped["recipe"]["difficulty"])
	}
}

func TestExpandPreservesUnknownIndex(t *testing.T) {
	templates := testTemplates()
	compressed := map[string]map[string]any{
		"basic": {
			"0":  "Greek Chicken",
			"99": "future-field-value",
			"t":  "did:ledger:tmpl-basic",
		},
	}
	expanded, err := Expand(compressed, templates)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if expanded["basic"]["99"] != "future-field-value" {
		t.Fatalf("expected unknown index 99 preserved under its numeric key, got %v", expanded["basic"])
	}
}

func TestCompressUnknownField(t *testing.T) {
	templates := testTemplates()
	_, err := Compress(map[string]map[string]any{
		"basic": {"doesNotExist": "x"},
	}, templates)
	if err == nil {
		t.Fatal("expected UnknownField error")
	}
}

func TestCompressTypeMismatch(t *testing.T) {
	templates := testTemplates()
	_, err := Compress(map[string]map[string]any{
		"basic": {"name": 42},
	}, templates)
	if err == nil {
		t.Fatal("expected TypeMismatch error")
	}
}

func TestValidateDoesNotDereferenceDref(t *testing.T) {
	d := NewDirectory()
	d.Put(&oip.Template{
		TemplateDid: "did:ledger:tmpl-ref",
		Name:        "ref",
		Fields: []oip.FieldDef{
			{Name: "target", Index: 0, Type: oip.FieldDref},
		},
	})
	// A syntactically valid DID that does not exist anywhere; Validate
	// must accept it since it only checks syntax, never existence.
	err := Validate(map[string]map[string]any{
		"ref": {"target": "did:peer:nonexistent-soul"},
	}, d)
	if err != nil {
		t.Fatalf("Validate should accept a syntactically valid but unresolved dref: %v", err)
	}
}

func TestValidateRejectsMalformedDref(t *testing.T) {
	d := NewDirectory()
	d.Put(&oip.Template{
		TemplateDid: "did:ledger:tmpl-ref",
		Name:        "ref",
		Fields: []oip.FieldDef{
			{Name: "target", Index: 0, Type: oip.FieldDref},
		},
	})
	err := Validate(map[string]map[string]any{
		"ref": {"target": "not-a-did"},
	}, d)
	if err == nil {
		t.Fatal("expected TypeMismatch for malformed dref")
	}
}

func TestValidateRepeatedField(t *testing.T) {
	templates := testTemplates()
	err := Validate(map[string]map[string]any{
		"basic": {"tagItems": []any{"a", "b"}},
	}, templates)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	err = Validate(map[string]map[string]any{
		"basic": {"tagItems": "not-an-array"},
	}, templates)
	if err == nil {
		t.Fatal("expected TypeMismatch for non-array repeated field")
	}
}
