package docstore

import "encoding/json"

// Codec converts documents to and from the stored blob.
type Codec[T any] interface {
	Marshal(doc T) ([]byte, error)
	Unmarshal(data []byte, doc *T) error
}

// JSONCodec stores documents with encoding/json. It is the default.
type JSONCodec[T any] struct{}

// Marshal implements [Codec].
func (JSONCodec[T]) Marshal(doc T) ([]byte, error) {
	return json.Marshal(doc)
}

// Unmarshal implements [Codec].
func (JSONCodec[T]) Unmarshal(data []byte, doc *T) error {
	return json.Unmarshal(data, doc)
}
