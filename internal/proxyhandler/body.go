package proxyhandler

import (
	"io"
	"net/http"

	"github.com/go-json-experiment/json"
)

// writeJSON encodes v as the response body with the Content-Type the
// Registry v2 API uses for its JSON endpoints.
func writeJSON(w http.ResponseWriter, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	_, err = w.Write(data)
	return err
}

// decodeJSONBody decodes a response body read from the upstream.
func decodeJSONBody(r io.Reader, v interface{}) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// catalogBody is the `_catalog` response shape. Extra holds any field
// besides "repositories", so that upstream additions survive a
// decode/filter/encode round trip.
type catalogBody struct {
	Repositories []string
	Extra        map[string]json.RawValue
}

func (b *catalogBody) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if repos, ok := raw["repositories"]; ok {
		if err := json.Unmarshal(repos, &b.Repositories); err != nil {
			return err
		}
		delete(raw, "repositories")
	}
	b.Extra = raw
	return nil
}

func (b catalogBody) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawValue, len(b.Extra)+1)
	for k, v := range b.Extra {
		raw[k] = v
	}
	repos, err := json.Marshal(b.Repositories)
	if err != nil {
		return nil, err
	}
	raw["repositories"] = repos
	return json.Marshal(raw)
}

// tagsListBody is the `<name>/tags/list` response shape.
type tagsListBody struct {
	Name  string
	Tags  []string
	Extra map[string]json.RawValue
}

func (b *tagsListBody) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if name, ok := raw["name"]; ok {
		if err := json.Unmarshal(name, &b.Name); err != nil {
			return err
		}
		delete(raw, "name")
	}
	if tags, ok := raw["tags"]; ok {
		if err := json.Unmarshal(tags, &b.Tags); err != nil {
			return err
		}
		delete(raw, "tags")
	}
	b.Extra = raw
	return nil
}

func (b tagsListBody) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawValue, len(b.Extra)+2)
	for k, v := range b.Extra {
		raw[k] = v
	}
	name, err := json.Marshal(b.Name)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(b.Tags)
	if err != nil {
		return nil, err
	}
	raw["name"] = name
	raw["tags"] = tags
	return json.Marshal(raw)
}
