package fetcher

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// maxJSONBody bounds a single API response. A full active alert feed is a
// few megabytes.
const maxJSONBody = 64 << 20

// DecodeJSONObject decodes one JSON document from r into a new T.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	obj := new(T)
	dec := json.NewDecoder(io.LimitReader(r, maxJSONBody))
	if err := dec.Decode(obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return obj, nil
}
