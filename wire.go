package statemap

import (
	"bytes"
	"encoding/base64"
	"errors"

	"github.com/cespare/xxhash/v2"
)

// Wire framing: every replication message is a single line
//
//	DATA:<base64(codec.Marshal(state))>\n
//
// Newline is the only delimiter; base64 keeps the payload free of raw
// newlines by construction. There is no handshake and no other message
// type, so anything else on the stream is dropped.

var frameMarker = []byte("DATA:")

var errBadFrame = errors.New("statemap: bad frame")

func encodeFrame(c Codec, state State) ([]byte, error) {
	payload, err := c.Marshal(state)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(frameMarker)+base64.StdEncoding.EncodedLen(len(payload))+1)
	frame = append(frame, frameMarker...)
	frame = base64.StdEncoding.AppendEncode(frame, payload)
	frame = append(frame, '\n')
	return frame, nil
}

// decodeFrame parses one line (without the trailing newline) back into a
// State. Lines without the DATA: marker and undecodable payloads both
// fail with errBadFrame wrapping the cause where there is one.
func decodeFrame(c Codec, line []byte) (State, error) {
	if !bytes.HasPrefix(line, frameMarker) {
		return nil, errBadFrame
	}
	payload, err := base64.StdEncoding.AppendDecode(nil, line[len(frameMarker):])
	if err != nil {
		return nil, errors.Join(errBadFrame, err)
	}
	state, err := c.Unmarshal(payload)
	if err != nil {
		return nil, errors.Join(errBadFrame, err)
	}
	return state, nil
}

// fingerprint is a cheap content hash used only for debug logging, so
// that matching payloads can be correlated across peers.
func fingerprint(frame []byte) uint64 {
	return xxhash.Sum64(frame)
}
