package serialization

import (
	"bytes"
	"fmt"
	"io"
)

const (

	// JSONType represents the serialization type for JSON format.
	JSONType = "json"

	// GobType represents the serialization type for Gob format.
	GobType = "gob"
)

// Decoder is the decoding half of a codec.
type Decoder interface {
	Decode(v any) error
}

// Encoder is the encoding half of a codec.
type Encoder interface {
	Encode(v any) error
}

// Lookup returns the encoder and decoder constructors registered under name.
func Lookup(name string) (func(io.Writer) Encoder, func(io.Reader) Decoder, error) {
	switch name {
	case JSONType:
		return JSONEncoder, JSONDecoder, nil
	case GobType:
		return GobEncoder, GobDecoder, nil
	default:
		return nil, nil, fmt.Errorf("unsupported serialization type: %s", name)
	}
}

// Marshal encodes v into a fresh byte slice using newEncoder.
func Marshal(newEncoder func(io.Writer) Encoder, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v using newDecoder.
func Unmarshal(newDecoder func(io.Reader) Decoder, data []byte, v any) error {
	return newDecoder(bytes.NewReader(data)).Decode(v)
}
