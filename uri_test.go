package clangdconn

import "testing"

func TestFilePathToURI(t *testing.T) {
	got := FilePathToURI("/usr/local/test/test.test")
	want := DocumentURI("file:///usr/local/test/test.test")
	if got != want {
		t.Fatalf("FilePathToURI() = %q, want %q", got, want)
	}
}

func TestURIToFilePathRoundTrip(t *testing.T) {
	path, err := URIToFilePath("file:///usr/local/test/test.test")
	if err != nil {
		t.Fatalf("URIToFilePath() error = %v", err)
	}
	if path != "/usr/local/test/test.test" {
		t.Fatalf("URIToFilePath() = %q", path)
	}
}

func TestURIToFilePathInvalidScheme(t *testing.T) {
	_, err := URIToFilePath("test")
	if err == nil {
		t.Fatal("expected an error for a non-file URI")
	}
	ce, ok := err.(*ClientError)
	if !ok || ce.Kind != ErrInvalidURI {
		t.Fatalf("URIToFilePath() error = %v, want ErrInvalidURI", err)
	}
}
