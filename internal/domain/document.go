package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================
// Documents
// ============================================================

// Document is a schemaless record stored at a path.
type Document map[string]any

// DocumentSnapshot is the state of one document at read time.
// Version increases with every snapshot a store hands out.
type DocumentSnapshot struct {
	Path    string   `json:"path"`
	ID      string   `json:"id"`
	Data    Document `json:"data,omitempty"`
	Exists  bool     `json:"exists"`
	Version uint64   `json:"version"`
}

// CollectionSnapshot is the full membership of a collection at read time,
// ordered by document id.
type CollectionSnapshot struct {
	Path    string             `json:"path"`
	Docs    []DocumentSnapshot `json:"docs"`
	Version uint64             `json:"version"`
}

// ChangeOp names the write that produced a ChangeEvent.
type ChangeOp string

const (
	OpSet    ChangeOp = "set"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is published on the change broker after every write.
type ChangeEvent struct {
	Path string    `json:"path"`
	Op   ChangeOp  `json:"op"`
	At   time.Time `json:"at"`
}

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestampToken is the wire form of ServerTimestamp.
const ServerTimestampToken = "__serverTimestamp__"

// ServerTimestamp asks the store to write its own clock at this field.
var ServerTimestamp = serverTimestamp{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + ServerTimestampToken + `"`), nil
}

// ResolveServerTimestamps replaces every ServerTimestamp (or its wire form)
// inside doc with now, recursing into nested maps and slices.
func ResolveServerTimestamps(doc Document, now time.Time) Document {
	return Document(resolveMap(doc, now.UTC().Format(time.RFC3339Nano)))
}

func resolveMap(m map[string]any, stamp string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = resolveValue(v, stamp)
	}
	return out
}

func resolveValue(v any, stamp string) any {
	switch t := v.(type) {
	case serverTimestamp:
		return stamp
	case string:
		if t == ServerTimestampToken {
			return stamp
		}
		return t
	case Document:
		return resolveMap(t, stamp)
	case map[string]any:
		return resolveMap(t, stamp)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveValue(e, stamp)
		}
		return out
	default:
		return v
	}
}

// ApplyUpdate merges patch into doc. Top-level fields in patch replace the
// stored field as a whole.
func ApplyUpdate(doc, patch Document) Document {
	out := make(Document, len(doc)+len(patch))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Normalize round-trips doc through JSON so stored values only contain
// maps, slices, strings, float64, bool and nil.
func Normalize(doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out := Document{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

// ToDocument converts a struct into a Document using its JSON tags.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	doc := Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return doc, nil
}

// DecodeDocument fills out from doc using out's JSON tags.
func DecodeDocument(doc Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode into %T: %w", out, err)
	}
	return nil
}

// WithID returns a copy of the snapshot data carrying its id.
func (s DocumentSnapshot) WithID() Document {
	out := make(Document, len(s.Data)+1)
	for k, v := range s.Data {
		out[k] = v
	}
	out["id"] = s.ID
	return out
}

// ============================================================
// Paths
// ============================================================

const (
	CollectionCompanies = "companies"
	CollectionLocations = "locations"
	CollectionUsers     = "users"
)

// ValidateID rejects ids that would break the path scheme.
func ValidateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ErrValidation{Field: field, Message: "is required"}
	}
	if strings.Contains(id, "/") {
		return &ErrValidation{Field: field, Message: "must not contain '/'"}
	}
	return nil
}

// JoinPath joins path segments with '/'.
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// ParentPath returns the collection path that holds the document at path.
func ParentPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// DocumentID returns the last segment of path.
func DocumentID(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

func CompanyPath(companyID string) string {
	return JoinPath(CollectionCompanies, companyID)
}

func LocationsPath(companyID string) string {
	return JoinPath(CollectionCompanies, companyID, CollectionLocations)
}

func LocationPath(companyID, locationID string) string {
	return JoinPath(LocationsPath(companyID), locationID)
}

func UsersPath(companyID, locationID string) string {
	return JoinPath(LocationPath(companyID, locationID), CollectionUsers)
}

func UserPath(companyID, locationID, userID string) string {
	return JoinPath(UsersPath(companyID, locationID), userID)
}

func RecordsPath(companyID string, lc Lifecycle) string {
	return JoinPath(CollectionCompanies, companyID, lc.Collection())
}
