package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"vdb/pkg/store"
)

func mustEncode(t *testing.T, body string) []byte {
	t.Helper()
	data, err := Encode([]byte(body))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func TestDecode_Valid(t *testing.T) {
	req, err := Decode(mustEncode(t, `{"id":42,"vectors":[0.1,0.2,0.3],"indexType":"HNSW"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if req.ID != 42 {
		t.Fatalf("expected id 42, got %d", req.ID)
	}
	if req.IndexType != store.IndexHNSW {
		t.Fatalf("expected HNSW, got %s", req.IndexType)
	}
	if req.ProposalID != "" {
		t.Fatalf("unexpected proposal id %q", req.ProposalID)
	}
}

func TestDecode_DefaultIndexType(t *testing.T) {
	req, err := Decode(mustEncode(t, `{"id":1,"vectors":[]}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if req.IndexType != store.IndexFlat {
		t.Fatalf("expected FLAT, got %s", req.IndexType)
	}
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"short", []byte{0, 0}, ErrShort},
		{"length", append([]byte{0, 0, 0, 9}, []byte(`{}`)...), ErrLength},
		{"json", mustEncode(t, `{"id":`), ErrBody},
		{"array body", mustEncode(t, `[1,2]`), ErrBody},
		{"no id", mustEncode(t, `{"vectors":[1]}`), ErrMissingID},
		{"string id", mustEncode(t, `{"id":"7","vectors":[1]}`), ErrMissingID},
		{"no vectors", mustEncode(t, `{"id":7}`), ErrMissingVectors},
		{"bad vectors", mustEncode(t, `{"id":7,"vectors":["a"]}`), ErrMissingVectors},
		{"bad index", mustEncode(t, `{"id":7,"vectors":[1],"indexType":"IVF"}`), store.ErrUnknownIndexType},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Decode(c.data); !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
}

func TestTag_StrippedOnDecode(t *testing.T) {
	tagged, err := Tag([]byte(`{"id":5,"vectors":[1,2]}`), "p-123")
	if err != nil {
		t.Fatalf("Tag failed: %v", err)
	}
	data := mustEncode(t, string(tagged))

	if got := ProposalID(data); got != "p-123" {
		t.Fatalf("expected proposal id p-123, got %q", got)
	}

	req, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if req.ProposalID != "p-123" {
		t.Fatalf("expected proposal id p-123, got %q", req.ProposalID)
	}

	var doc map[string]any
	if err := json.Unmarshal(req.Doc, &doc); err != nil {
		t.Fatalf("doc is not JSON: %v", err)
	}
	if _, ok := doc["proposal_id"]; ok {
		t.Fatal("proposal_id must be stripped from the stored document")
	}
	if doc["id"] != float64(5) {
		t.Fatalf("unexpected doc: %v", doc)
	}
}

func TestBody_RoundTrip(t *testing.T) {
	data := mustEncode(t, `{"id":1}`)
	if len(data) != HeaderSize+len(`{"id":1}`) {
		t.Fatalf("unexpected framed length %d", len(data))
	}
	body, err := Body(data)
	if err != nil {
		t.Fatalf("Body failed: %v", err)
	}
	if string(body) != `{"id":1}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestDecodeBody_Unframed(t *testing.T) {
	req, err := DecodeBody([]byte(`{"id":9,"vectors":[1],"indexType":"flat"}`))
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if req.ID != 9 || req.IndexType != store.IndexFlat {
		t.Fatalf("unexpected request: %+v", req)
	}
	if string(req.Doc) != `{"id":9,"vectors":[1],"indexType":"flat"}` {
		t.Fatalf("body without proposal id must be kept verbatim, got %s", req.Doc)
	}
}
