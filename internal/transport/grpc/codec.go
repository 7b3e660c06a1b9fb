package grpc

import (
	"bytes"
	"encoding/gob"
)

// gobCodec lets the gRPC server/client exchange the plain Go structs
// defined in internal/raft directly, without a protoc-generated message
// set. Registered as the transport's codec via grpc.ForceServerCodec /
// grpc.ForceCodec rather than encoding.RegisterCodec, so it never
// collides with the default "proto" codec name.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "gob" }
