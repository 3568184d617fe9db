package decode

import (
	"errors"
	"fmt"
)

// Kind identifies the decoder that produced a DecodeError.
type Kind string

const (
	KindShapefile   Kind = "SHAPEFILE"
	KindGeoJSON     Kind = "GEOJSON"
	KindTopoJSON    Kind = "TOPOJSON"
	KindGPX         Kind = "GPX"
	KindKML         Kind = "KML"
	KindWKT         Kind = "WKT"
	KindNSPD        Kind = "NSPD"
	KindUnsupported Kind = "UNSUPPORTED"
)

// ErrEmpty marks a decode failure caused by a source with no usable features.
var ErrEmpty = errors.New("no features")

// DecodeError is a per-file parse or structure failure. It never aborts a batch.
type DecodeError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, ErrEmpty) {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Message: msg, Err: err}
}
