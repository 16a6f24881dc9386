// Package oip defines the core data model shared by every component:
// templates, records, access control, and the small value types derived
// from decentralized identifiers.
package oip

import "strings"

// FieldType enumerates the scalar and compound types a template field can
// declare. repeated<T> is represented by FieldRepeated with Of set to T.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldLong     FieldType = "long"
	FieldUint64   FieldType = "uint64"
	FieldFloat    FieldType = "float"
	FieldBool     FieldType = "bool"
	FieldEnum     FieldType = "enum"
	FieldDref     FieldType = "dref"
	FieldRepeated FieldType = "repeated"
)

// FieldDef is one entry in a template's ordered field mapping.
type FieldDef struct {
	Name       string    `json:"name"`
	Index      int       `json:"index"`
	Type       FieldType `json:"type"`
	Of         FieldType `json:"of,omitempty"` // element type when Type == FieldRepeated
	EnumValues []string  `json:"enumValues,omitempty"`
}

// Template is a named, immutable schema authored by a creator.
type Template struct {
	TemplateDid    string     `json:"templateDid"`
	Name           string     `json:"name"`
	CreatorDid     string     `json:"creatorDid"`
	Fields         []FieldDef `json:"fields"`
	CreationHeight uint64     `json:"creationHeight"`
	Signature      string     `json:"signature"`
	CreatorPubKey  string     `json:"creatorPubKey"`
}

// FieldByName returns the field definition for name, if present.
func (t *Template) FieldByName(name string) (FieldDef, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldByIndex returns the field definition carrying index idx, if present.
func (t *Template) FieldByIndex(idx int) (FieldDef, bool) {
	for _, f := range t.Fields {
		if f.Index == idx {
			return f, true
		}
	}
	return FieldDef{}, false
}

// EnumOrdinal returns the ordinal of value within f.EnumValues.
func (f FieldDef) EnumOrdinal(value string) (int, bool) {
	for i, v := range f.EnumValues {
		if v == value {
			return i, true
		}
	}
	return 0, false
}

// EnumValue is the inverse of EnumOrdinal.
func (f FieldDef) EnumValue(ordinal int) (string, bool) {
	if ordinal < 0 || ordinal >= len(f.EnumValues) {
		return "", false
	}
	return f.EnumValues[ordinal], true
}

// AccessLevel controls query-time visibility of a record (§4.6).
type AccessLevel string

const (
	AccessPublic       AccessLevel = "public"
	AccessPrivate      AccessLevel = "private"
	AccessOrganization AccessLevel = "organization"
)

// AccessControl is the optional visibility metadata carried by a record.
type AccessControl struct {
	Level            AccessLevel `json:"level"`
	OwnerPubKey      string      `json:"ownerPubKey,omitempty"`
	OrganizationDid  string      `json:"organizationDid,omitempty"`
	SharedWith       []string    `json:"sharedWith,omitempty"`
}

// CreatorInfo identifies the publisher of a record.
type CreatorInfo struct {
	PubKey  string `json:"pubKey"`
	Address string `json:"address"`
}

// Storage names where a record's authoritative copy lives.
type Storage string

const (
	StorageLedger Storage = "ledger"
	StoragePeer   Storage = "peer"
)

// SystemMeta is the non-template metadata every record carries.
type SystemMeta struct {
	Did           string         `json:"did"`
	LegacyDid     string         `json:"legacyDid,omitempty"`
	RecordType    string         `json:"recordType"`
	Storage       Storage        `json:"storage"`
	IndexedAt     int64          `json:"indexedAt"`
	Creator       CreatorInfo    `json:"creator"`
	Signature     string         `json:"signature"`
	AccessControl *AccessControl `json:"accessControl,omitempty"`
	Ver           string         `json:"ver"`
}

// Record is the tagged container the rest of the system passes around:
// system metadata plus a sum over each section's template-typed values.
// Sections is keyed by template name; values are the expanded
// (human-readable) JSON-ish representation, never the compressed
// field-index form — that conversion is Codec's sole job.
type Record struct {
	OIP      SystemMeta                `json:"oip"`
	Sections map[string]map[string]any `json:"sections"`
}

// PrimaryTemplate returns the section name matching OIP.RecordType, i.e.
// the template that names this record's type.
func (r *Record) PrimaryTemplate() (map[string]any, bool) {
	s, ok := r.Sections[r.OIP.RecordType]
	return s, ok
}

// Did component helpers.

// SplitDid breaks "did:<storage>:<id>" into its storage and id parts.
func SplitDid(did string) (storage, id string, ok bool) {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[0] != "did" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// IsValidDid reports whether did is syntactically a did:<storage>:<id>
// string with a non-empty storage and id.
func IsValidDid(did string) bool {
	storage, id, ok := SplitDid(did)
	return ok && storage != "" && id != ""
}

// MembershipPolicy enumerates organization membership policies. Only
// AutoEnrollByDomain is enforced by the access filter (spec.md Open
// Question); the others round-trip but are never consulted.
type MembershipPolicy string

const (
	AutoEnrollByDomain MembershipPolicy = "autoEnrollByDomain"
	InviteOnly         MembershipPolicy = "inviteOnly"
	TokenGated         MembershipPolicy = "tokenGated"
	OpenJoin           MembershipPolicy = "openJoin"
)

// Organization is the typed view of a record whose RecordType == "organization".
type Organization struct {
	OrgHandle        string
	OrgPublicKey     string
	AdminPubKeys     []string
	MembershipPolicy MembershipPolicy
	WebUrl           string
}
