package logstore

import (
	"encoding/binary"
	"fmt"
)

// entry layout inside a pack: term(8) | type(1) | payload
const entryHeaderSize = 8 + 1

// Pack serializes count consecutive entries starting at index.
// Layout: count(int32) then, per entry, length(int32) followed by the entry bytes.
func (s *Store) Pack(index uint64, count int32) ([]byte, error) {
	if count < 0 {
		return nil, fmt.Errorf("pack count %d: %w", count, ErrMalformedPack)
	}

	s.mu.Lock()
	raw := make([]*LogEntry, 0, count)
	size := 4
	for i := index; i < index+uint64(count); i++ {
		e, err := s.lookup(i)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("pack entry: %w", err)
		}
		raw = append(raw, e)
		size += 4 + entryHeaderSize + len(e.Payload)
	}
	s.mu.Unlock()

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(count))
	for _, e := range raw {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(entryHeaderSize+len(e.Payload)))
		buf = binary.LittleEndian.AppendUint64(buf, e.Term)
		buf = append(buf, byte(e.Type))
		buf = append(buf, e.Payload...)
	}
	return buf, nil
}

// ApplyPack installs the entries of a pack starting at index and then
// recomputes StartIndex as the lowest surviving key.
func (s *Store) ApplyPack(index uint64, pack []byte) error {
	entries, err := decodePack(index, pack)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i := range entries {
		e := entries[i]
		s.entries.Store(e.Index, &e)
	}

	s.startIndex, s.lastIndex = 1, 0
	first := true
	s.entries.Range(func(idx uint64, _ *LogEntry) bool {
		if first {
			s.startIndex = idx
			first = false
		}
		s.lastIndex = idx
		return true
	})
	if s.durable > s.lastIndex || s.emul == nil {
		s.durable = s.lastIndex
	}
	start, last := s.startIndex, s.lastIndex
	s.mu.Unlock()

	s.log.Info("applied pack", "index", index, "entries", len(entries), "start", start, "last", last)
	return nil
}

func decodePack(index uint64, pack []byte) ([]LogEntry, error) {
	if len(pack) < 4 {
		return nil, fmt.Errorf("pack header: %w", ErrMalformedPack)
	}
	count := int32(binary.LittleEndian.Uint32(pack))
	if count < 0 {
		return nil, fmt.Errorf("pack count %d: %w", count, ErrMalformedPack)
	}
	pos := 4

	out := make([]LogEntry, 0, count)
	for i := int32(0); i < count; i++ {
		if len(pack)-pos < 4 {
			return nil, fmt.Errorf("entry %d length: %w", i, ErrMalformedPack)
		}
		n := int(binary.LittleEndian.Uint32(pack[pos:]))
		pos += 4
		if n < entryHeaderSize || len(pack)-pos < n {
			return nil, fmt.Errorf("entry %d body: %w", i, ErrMalformedPack)
		}
		body := pack[pos : pos+n]
		pos += n

		payload := make([]byte, n-entryHeaderSize)
		copy(payload, body[entryHeaderSize:])
		out = append(out, LogEntry{
			Index:   index + uint64(i),
			Term:    binary.LittleEndian.Uint64(body),
			Type:    ValueType(body[8]),
			Payload: payload,
		})
	}
	return out, nil
}
