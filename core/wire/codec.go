// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned by Decode when the buffer ends before a
// length-prefixed field is satisfied.
var ErrTruncated = errors.New("wire: truncated entry")

// ErrChecksumMismatch is returned by DecodeEntry when the stored
// checksum doesn't match the decoded payload. Both this and
// ErrTruncated mark an entry as undecodable rather than a transient
// read failure.
var ErrChecksumMismatch = errors.New("wire: checksum mismatch")

// DecodeError reports that the entry at Position could not be decoded,
// letting a caller like the replicator dispatcher recover the position
// of a poisoned entry from a read failure and skip past it.
type DecodeError struct {
	Position Position
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode entry at %s: %v", e.Position, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeEntry serializes e to:
//
//	[checksum:u32][metadata-length:u32][metadata][payload]
//
// For a batch entry, payload is the concatenation of
// [sub-meta-length:u32][sub-meta][sub-payload-length:u32][sub-payload]
// for each sub-message, in order.
//
// Metadata is encoded with a hand-written length-prefixed binary
// layout rather than a generated protobuf message type, since no
// generated MessageMetadata type is available to marshal against. The
// outer framing shape is otherwise exactly what a protobuf-backed
// encoder would produce.
func EncodeEntry(e *Entry) ([]byte, error) {
	var payload bytes.Buffer
	if e.IsBatch() {
		for _, sm := range e.Batch {
			subBuf, err := encodeMetadata(&sm.Metadata)
			if err != nil {
				return nil, err
			}
			if err := writeU32(&payload, uint32(len(subBuf))); err != nil {
				return nil, err
			}
			payload.Write(subBuf)
			if err := writeU32(&payload, uint32(len(sm.Payload))); err != nil {
				return nil, err
			}
			payload.Write(sm.Payload)
		}
	} else {
		payload.Write(e.Payload)
	}

	metaBuf, err := encodeMetadata(&e.Metadata)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	checksum := Checksum(payload.Bytes())
	if err := writeU32(&out, checksum); err != nil {
		return nil, err
	}
	if err := writeU32(&out, uint32(len(metaBuf))); err != nil {
		return nil, err
	}
	out.Write(metaBuf)
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

// DecodeEntry parses buf (previously produced by EncodeEntry) into an
// Entry at the given position. verifyChecksum controls whether the
// stored checksum is validated against the payload bytes (callers that
// only need the metadata, e.g. compaction's phase 1 scan, may skip it).
func DecodeEntry(pos Position, buf []byte, verifyChecksum bool) (*Entry, error) {
	r := bytes.NewReader(buf)

	checksum, err := readU32(r)
	if err != nil {
		return nil, &DecodeError{Position: pos, Err: err}
	}
	metaLen, err := readU32(r)
	if err != nil {
		return nil, &DecodeError{Position: pos, Err: err}
	}
	metaBuf := make([]byte, metaLen)
	if _, err := fillExact(r, metaBuf); err != nil {
		return nil, &DecodeError{Position: pos, Err: err}
	}
	meta, err := decodeMetadata(metaBuf)
	if err != nil {
		return nil, &DecodeError{Position: pos, Err: err}
	}

	rest := make([]byte, r.Len())
	if _, err := fillExact(r, rest); err != nil {
		return nil, &DecodeError{Position: pos, Err: err}
	}

	if verifyChecksum && !VerifyChecksum(checksum, rest) {
		return nil, &DecodeError{Position: pos, Err: ErrChecksumMismatch}
	}

	e := &Entry{Position: pos, Metadata: *meta}

	if meta.NumMessagesInBatch > 1 {
		sr := bytes.NewReader(rest)
		for i := int32(0); i < meta.NumMessagesInBatch; i++ {
			subLen, err := readU32(sr)
			if err != nil {
				return nil, &DecodeError{Position: pos, Err: err}
			}
			subMetaBuf := make([]byte, subLen)
			if _, err := fillExact(sr, subMetaBuf); err != nil {
				return nil, &DecodeError{Position: pos, Err: err}
			}
			subMeta, err := decodeMetadata(subMetaBuf)
			if err != nil {
				return nil, &DecodeError{Position: pos, Err: err}
			}
			// Remaining sub-payload length is implicit: the rest of
			// the reader up to the next sub-meta-length prefix isn't
			// delimited in the wire format, so sub-payloads carry
			// their own length the same way the outer entry does.
			subPayloadLen, err := readU32(sr)
			if err != nil {
				return nil, &DecodeError{Position: pos, Err: err}
			}
			subPayload := make([]byte, subPayloadLen)
			if _, err := fillExact(sr, subPayload); err != nil {
				return nil, &DecodeError{Position: pos, Err: err}
			}
			e.Batch = append(e.Batch, SubMessage{Metadata: *subMeta, Payload: subPayload})
		}
	} else {
		e.Payload = rest
	}

	return e, nil
}

func writeU32(buf *bytes.Buffer, v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	_, err := buf.Write(tmp[:])
	return err
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := fillExact(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func fillExact(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if n < len(buf) {
		return n, ErrTruncated
	}
	return n, err
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := writeU32(buf, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := fillExact(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeMetadata(m *MessageMetadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, m.ProducerName); err != nil {
		return nil, err
	}
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], m.SequenceID)
	buf.Write(tmp8[:])
	binary.BigEndian.PutUint64(tmp8[:], m.PublishTime)
	buf.Write(tmp8[:])
	if err := writeString(&buf, m.PartitionKey); err != nil {
		return nil, err
	}
	if err := writeU32(&buf, uint32(len(m.ReplicateTo))); err != nil {
		return nil, err
	}
	for _, c := range m.ReplicateTo {
		if err := writeString(&buf, c); err != nil {
			return nil, err
		}
	}
	if err := writeString(&buf, m.ReplicatedFrom); err != nil {
		return nil, err
	}
	if m.CompactedOut {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if err := writeString(&buf, m.OriginalProducerName); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint64(tmp8[:], m.OriginalSequenceID)
	buf.Write(tmp8[:])
	if err := writeU32(&buf, uint32(m.NumMessagesInBatch)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMetadata(b []byte) (*MessageMetadata, error) {
	r := bytes.NewReader(b)
	m := &MessageMetadata{}

	var err error
	if m.ProducerName, err = readString(r); err != nil {
		return nil, err
	}

	var tmp8 [8]byte
	if _, err := fillExact(r, tmp8[:]); err != nil {
		return nil, err
	}
	m.SequenceID = binary.BigEndian.Uint64(tmp8[:])

	if _, err := fillExact(r, tmp8[:]); err != nil {
		return nil, err
	}
	m.PublishTime = binary.BigEndian.Uint64(tmp8[:])

	if m.PartitionKey, err = readString(r); err != nil {
		return nil, err
	}

	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		c, err := readString(r)
		if err != nil {
			return nil, err
		}
		m.ReplicateTo = append(m.ReplicateTo, c)
	}

	if m.ReplicatedFrom, err = readString(r); err != nil {
		return nil, err
	}

	compactedOut, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	m.CompactedOut = compactedOut == 1

	if m.OriginalProducerName, err = readString(r); err != nil {
		return nil, err
	}

	if _, err := fillExact(r, tmp8[:]); err != nil {
		return nil, err
	}
	m.OriginalSequenceID = binary.BigEndian.Uint64(tmp8[:])

	numBatch, err := readU32(r)
	if err != nil {
		return nil, err
	}
	m.NumMessagesInBatch = int32(numBatch)

	return m, nil
}
