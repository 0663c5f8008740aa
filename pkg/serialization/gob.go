package serialization

import (
	"encoding/gob"
	"io"
)

// Gob wraps gob.Decoder and gob.Encoder. Values stored through the remote
// tier are encoded by their concrete type, so interface-typed fields still
// need gob.Register by the caller.
type Gob struct {
	dec *gob.Decoder
	enc *gob.Encoder
}

func (g *Gob) Decode(v any) error { return g.dec.Decode(v) }

func (g *Gob) Encode(v any) error { return g.enc.Encode(v) }

// GobDecoder reads gob data from r.
func GobDecoder(r io.Reader) Decoder {
	return &Gob{dec: gob.NewDecoder(r)}
}

// GobEncoder writes gob data to w.
func GobEncoder(w io.Writer) Encoder {
	return &Gob{enc: gob.NewEncoder(w)}
}
