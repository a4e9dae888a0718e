package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type sample struct {
	Name  string    `msgpack:"name"`
	Value []float64 `msgpack:"value"`
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	Encode(&buf, sample{Name: "a", Value: []float64{1, 2}})
	Encode(&buf, sample{Name: "b"})

	var first, second sample
	if err := Decode(&buf, &first); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if err := Decode(&buf, &second); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if first.Name != "a" || len(first.Value) != 2 || second.Name != "b" {
		t.Errorf("decoded %+v, %+v", first, second)
	}
	if err := Decode(&buf, &sample{}); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end = %v, want io.EOF", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	Encode(&buf, sample{Name: "truncated", Value: []float64{1, 2, 3}})
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	err := Decode(truncated, &sample{})
	if err == nil || err == io.EOF {
		t.Fatalf("Decode(truncated) = %v, want wrapped error", err)
	}
}

func TestDecodeOversized(t *testing.T) {
	prefix := []byte{0xff, 0xff, 0xff, 0xff}
	if err := Decode(bytes.NewReader(prefix), &sample{}); err == nil {
		t.Error("Decode() accepted a length over the limit")
	}
}
