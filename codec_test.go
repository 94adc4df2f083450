package clangdconn

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"
)

func TestEncodeSortsKeysAndFrames(t *testing.T) {
	body := struct {
		Zebra string `json:"zebra"`
		Alpha string `json:"alpha"`
	}{Zebra: "z", Alpha: "a"}

	frame, err := Encode(body)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	str := string(frame)
	if !strings.HasPrefix(str, "Content-Length:") {
		t.Fatalf("missing Content-Length header: %s", str)
	}
	idx := strings.Index(str, `{"alpha":"a","zebra":"z"}`)
	if idx < 0 {
		t.Fatalf("expected sorted-key body, got %s", str)
	}
}

func TestFrameReaderReassemblesPartialReads(t *testing.T) {
	r, w := io.Pipe()
	fr := NewFrameReader(r)

	body := `{"abc":""}`
	frame := []byte("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, b := range frame {
			_, _ = w.Write([]byte{b})
		}
		_ = w.Close()
	}()

	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, []byte(body)) {
		t.Fatalf("ReadFrame() = %s, want %s", got, body)
	}
	<-done
}

func TestFrameReaderMissingContentLengthHeader(t *testing.T) {
	r := strings.NewReader("X-Other: 1\r\n\r\n{}")
	fr := NewFrameReader(r)

	_, err := fr.ReadFrame()
	if err == nil {
		t.Fatal("expected error for missing Content-Length header")
	}
}

func TestFrameReaderInvalidJSONBody(t *testing.T) {
	msg := "Content-Length: 5\r\n\r\nnotjs"
	fr := NewFrameReader(strings.NewReader(msg))

	_, err := fr.ReadFrame()
	if err == nil {
		t.Fatal("expected error for invalid JSON body")
	}
}

