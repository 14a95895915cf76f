package writeset

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ws   *WriteSet
	}{
		{"empty", &WriteSet{}},
		{"puts only", &WriteSet{Puts: []KV{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}}}},
		{"removes only", &WriteSet{Removes: []Range{{Min: []byte("a"), Max: []byte("m")}}}},
		{"adjusts only", &WriteSet{Adjusts: []KVDelta{{Key: []byte("n"), Delta: -5}, {Key: []byte("n2"), Delta: 1 << 40}}}},
		{"mixed", &WriteSet{
			Puts:    []KV{{Key: []byte("k"), Value: bytes.Repeat([]byte("v"), 1024)}},
			Removes: []Range{{Min: []byte("x"), Max: []byte("z")}},
			Adjusts: []KVDelta{{Key: []byte("c"), Delta: 7}},
		}},
		{"empty keys and values", &WriteSet{Puts: []KV{{Key: []byte{}, Value: []byte{}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := tt.ws.Encode(&buf); err != nil {
				t.Fatal(err)
			}

			got, err := Decode(&buf)
			if err != nil {
				t.Fatal(err)
			}

			if len(got.Puts) != len(tt.ws.Puts) || len(got.Removes) != len(tt.ws.Removes) || len(got.Adjusts) != len(tt.ws.Adjusts) {
				t.Fatalf("got %+v, want %+v", got, tt.ws)
			}
			for i := range tt.ws.Puts {
				if !bytes.Equal(got.Puts[i].Key, tt.ws.Puts[i].Key) || !bytes.Equal(got.Puts[i].Value, tt.ws.Puts[i].Value) {
					t.Fatalf("put %d mismatch: got %+v want %+v", i, got.Puts[i], tt.ws.Puts[i])
				}
			}
			for i := range tt.ws.Adjusts {
				if got.Adjusts[i].Delta != tt.ws.Adjusts[i].Delta {
					t.Fatalf("adjust %d delta mismatch: got %d want %d", i, got.Adjusts[i].Delta, tt.ws.Adjusts[i].Delta)
				}
			}
		})
	}
}

func TestDecodeEmptyReaderIsEOF(t *testing.T) {
	if _, err := Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("Decode(empty) = %v, want io.EOF", err)
	}
}

func TestDecodeCorruptCRCIsTruncated(t *testing.T) {
	var buf bytes.Buffer
	ws := &WriteSet{Puts: []KV{{Key: []byte("a"), Value: []byte("b")}}}
	if err := ws.Encode(&buf); err != nil {
		t.Fatal(err)
	}

	raw := buf.Bytes()
	raw[0] ^= 0xFF // flip a byte of the stored CRC

	if _, err := Decode(bytes.NewReader(raw)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Decode(corrupt) = %v, want ErrTruncated", err)
	}
}

func TestDecodeTruncatedTailIsEOF(t *testing.T) {
	var buf bytes.Buffer
	ws := &WriteSet{Puts: []KV{{Key: []byte("a"), Value: []byte("b")}}}
	if err := ws.Encode(&buf); err != nil {
		t.Fatal(err)
	}

	raw := buf.Bytes()[:buf.Len()-2] // chop off the tail

	if _, err := Decode(bytes.NewReader(raw)); err != io.EOF {
		t.Fatalf("Decode(truncated) = %v, want io.EOF (short read)", err)
	}
}
