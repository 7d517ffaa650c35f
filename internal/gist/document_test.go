package gist

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeDocumentShapes(t *testing.T) {
	cases := []struct {
		name    string
		content string
		shape   Shape
		count   int
	}{
		{"canonical", `{"categories":[{"name":"A","repositories":[{"id":"1"}]}],"lastUpdated":"x","language":null}`, ShapeCanonical, 1},
		{"canonical-empty", `{"categories":[]}`, ShapeCanonical, 0},
		{"bare", `[{"name":"A"},{"name":"B","items":[1,2]}]`, ShapeBareArray, 2},
		{"nested-sorted", `{"b":[{"name":"Second"}],"a":[{"name":"First","repositories":[]}]}`, ShapeNested, 1},
	}
	for _, tc := range cases {
		doc, shape, err := DecodeDocument([]byte(tc.content))
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.name, err)
		}
		if shape != tc.shape {
			t.Fatalf("%s: expected shape %v, got %v", tc.name, tc.shape, shape)
		}
		if len(doc.Categories) != tc.count {
			t.Fatalf("%s: expected %d categories, got %+v", tc.name, tc.count, doc.Categories)
		}
	}

	doc, _, _ := DecodeDocument([]byte(`{"b":[{"name":"Second"}],"a":[{"name":"First"}]}`))
	if doc.Categories[0].Name != "First" {
		t.Fatalf("expected first sorted field to win, got %+v", doc.Categories)
	}
}

func TestDecodeDocumentRejects(t *testing.T) {
	inputs := []string{
		``,
		`not json`,
		`"string"`,
		`{"x":[1,2,3]}`,
		`{"x":[{"name":"A","items":"nope"}]}`,
		`{"categories":[{"repositories":[]}]}`,
		`{"categories":[{"name":5}]}`,
	}
	for _, input := range inputs {
		if _, _, err := DecodeDocument([]byte(input)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %q, got %v", input, err)
		}
	}
}

func TestEncodeDocumentFormat(t *testing.T) {
	lang := "en"
	data, err := EncodeDocument(Document{Categories: sampleCategories()[:1], Language: &lang}, fixedNow())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := strings.Join([]string{
		`{`,
		`  "categories": [`,
		`    {`,
		`      "name": "Work",`,
		`      "repositories": [`,
		`        {`,
		`          "id": "1"`,
		`        },`,
		`        {`,
		`          "id": "octo/repo"`,
		`        }`,
		`      ]`,
		`    }`,
		`  ],`,
		`  "lastUpdated": "2026-03-04T05:06:07.890Z",`,
		`  "language": "en"`,
		`}`,
	}, "\n")
	if string(data) != want {
		t.Fatalf("unexpected encoding:\n%s", data)
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	if !errors.Is(&HTTPError{StatusCode: 404}, ErrNotFound) {
		t.Fatalf("expected 404 to be ErrNotFound")
	}
	if !errors.Is(&HTTPError{StatusCode: 429}, ErrTransient) || !errors.Is(&HTTPError{StatusCode: 503}, ErrTransient) {
		t.Fatalf("expected 429/503 to be transient")
	}
	if errors.Is(&HTTPError{StatusCode: 401}, ErrTransient) || errors.Is(&HTTPError{StatusCode: 401}, ErrNotFound) {
		t.Fatalf("expected 401 to be neither transient nor not-found")
	}
}

func TestNextPageURL(t *testing.T) {
	link := `<https://api.github.com/gists?page=2>; rel="next", <https://api.github.com/gists?page=5>; rel="last"`
	if got := nextPageURL(link); got != "https://api.github.com/gists?page=2" {
		t.Fatalf("unexpected next url %q", got)
	}
	if got := nextPageURL(`<https://api.github.com/gists?page=1>; rel="prev"`); got != "" {
		t.Fatalf("expected no next url, got %q", got)
	}
}
