package statemap

import "encoding/json"

// Codec turns a whole State into bytes and back. The format is opaque to
// the rest of the package; any total, deterministic encoding works as long
// as Unmarshal(Marshal(s)) reproduces s.
type Codec interface {
	Marshal(state State) ([]byte, error)
	Unmarshal(data []byte) (State, error)
}

// JSONCodec is the default codec. encoding/json sorts map keys, so the
// output is deterministic for a given state.
type JSONCodec struct{}

func (JSONCodec) Marshal(state State) ([]byte, error) {
	return json.Marshal(state)
}

func (JSONCodec) Unmarshal(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state == nil {
		state = State{}
	}
	return state, nil
}
