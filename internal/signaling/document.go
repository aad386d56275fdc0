package signaling

import (
	"fmt"
	"maps"

	"github.com/goccy/go-json"
)

// Document is one snapshot of a stored document, keyed by field name.
type Document map[string]json.RawMessage

// Item is one element of an append-only list.
type Item struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func (d Document) Has(field string) bool {
	raw, ok := d[field]
	return ok && string(raw) != "null"
}

// Field decodes one field into v. It reports false when the field is absent
// or null.
func (d Document) Field(field string, v any) (bool, error) {
	if !d.Has(field) {
		return false, nil
	}

	err := json.Unmarshal(d[field], v)
	if err != nil {
		return false, fmt.Errorf("decode field %q: %w", field, err)
	}

	return true, nil
}

// Decode fills v as if the document were one JSON object.
func (d Document) Decode(v any) error {
	raw, err := json.Marshal(map[string]json.RawMessage(d))
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, v)
}

func (d Document) Clone() Document {
	return maps.Clone(d)
}

func (i Item) Decode(v any) error {
	return json.Unmarshal(i.Data, v)
}

func encodeFields(fields map[string]any) (Document, error) {
	doc := make(Document, len(fields))
	for name, value := range fields {
		raw, err := encodeValue(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", name, err)
		}

		doc[name] = raw
	}

	return doc, nil
}

func encodeValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}

	return json.Marshal(value)
}
