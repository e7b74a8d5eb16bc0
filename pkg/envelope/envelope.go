// Package envelope implements the application log entry wire format:
// a 4-byte big-endian body length followed by a JSON body.
package envelope

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"vdb/pkg/store"
)

const (
	HeaderSize = 4

	fieldID         = "id"
	fieldVectors    = "vectors"
	fieldIndexType  = "indexType"
	fieldProposalID = "proposal_id"
)

var (
	ErrShort          = errors.New("envelope: shorter than header")
	ErrLength         = errors.New("envelope: length mismatch")
	ErrBody           = errors.New("envelope: malformed JSON body")
	ErrMissingID      = errors.New("envelope: missing numeric id")
	ErrMissingVectors = errors.New("envelope: missing numeric vectors array")
)

// Request is a decoded upsert. Doc is the body with the proposal id removed.
type Request struct {
	ID         uint64
	IndexType  store.IndexType
	ProposalID string
	Doc        []byte
}

// Encode frames body with the length header.
func Encode(body []byte) ([]byte, error) {
	if uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("body of %d bytes: %w", len(body), ErrLength)
	}
	out := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out, nil
}

// Body strips and checks the header.
func Body(data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, ErrShort
	}
	n := binary.BigEndian.Uint32(data)
	body := data[HeaderSize:]
	if uint64(n) != uint64(len(body)) {
		return nil, fmt.Errorf("header says %d, body has %d: %w", n, len(body), ErrLength)
	}
	return body, nil
}

// Tag returns body with proposal_id set to id.
func Tag(body []byte, id string) ([]byte, error) {
	fields, err := parse(body)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("proposal id: %w", err)
	}
	fields[fieldProposalID] = raw
	return json.Marshal(fields)
}

// Decode parses a framed upsert and validates its required fields.
func Decode(data []byte) (Request, error) {
	body, err := Body(data)
	if err != nil {
		return Request{}, err
	}
	return DecodeBody(body)
}

// DecodeBody is Decode for an unframed JSON body, such as a journaled document.
func DecodeBody(body []byte) (Request, error) {
	fields, err := parse(body)
	if err != nil {
		return Request{}, err
	}

	var req Request
	rawID, ok := fields[fieldID]
	if !ok || json.Unmarshal(rawID, &req.ID) != nil {
		return Request{}, ErrMissingID
	}

	var vectors []float64
	rawVec, ok := fields[fieldVectors]
	if !ok || json.Unmarshal(rawVec, &vectors) != nil || vectors == nil {
		return Request{}, ErrMissingVectors
	}

	var indexName string
	if raw, ok := fields[fieldIndexType]; ok {
		if err := json.Unmarshal(raw, &indexName); err != nil {
			return Request{}, fmt.Errorf("indexType: %w", store.ErrUnknownIndexType)
		}
	}
	if req.IndexType, err = store.ParseIndexType(indexName); err != nil {
		return Request{}, err
	}

	if raw, ok := fields[fieldProposalID]; ok {
		_ = json.Unmarshal(raw, &req.ProposalID)
		delete(fields, fieldProposalID)
		if req.Doc, err = json.Marshal(fields); err != nil {
			return Request{}, fmt.Errorf("re-encode body: %w", err)
		}
	} else {
		req.Doc = bytes.Clone(body)
	}
	return req, nil
}

// ProposalID extracts the correlation id without validating the rest.
func ProposalID(data []byte) string {
	body, err := Body(data)
	if err != nil {
		return ""
	}
	var probe struct {
		ProposalID string `json:"proposal_id"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return ""
	}
	return probe.ProposalID
}

func parse(body []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrBody)
	}
	if fields == nil {
		return nil, ErrBody
	}
	return fields, nil
}
