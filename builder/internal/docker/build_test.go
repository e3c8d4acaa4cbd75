package docker

import (
	"strings"
	"testing"
)

func TestDecodeBuildStreamSplitsLines(t *testing.T) {
	stream := `{"stream":"Step 1/3 : FROM node:20\n"}
{"status":"Pulling fs layer","id":"abc123"}
{"stream":"line one\nline two\n"}
{"aux":{"ID":"sha256:feed"}}
`
	var got []string
	if err := decodeBuildStream(strings.NewReader(stream), func(line string) { got = append(got, line) }); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"Step 1/3 : FROM node:20", "abc123 Pulling fs layer", "line one", "line two", "image id: sha256:feed"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestDecodeBuildStreamSurfacesError(t *testing.T) {
	stream := `{"stream":"RUN npm run build\n"}
{"errorDetail":{"message":"The command '/bin/sh -c npm run build' returned a non-zero code: 1"}}
`
	err := decodeBuildStream(strings.NewReader(stream), nil)
	if err == nil || !strings.Contains(err.Error(), "non-zero code: 1") {
		t.Fatalf("expected build failure, got %v", err)
	}
}
