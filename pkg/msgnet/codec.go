package msgnet

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sammck-go/msgport/pkg/msgport"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Envelope is the unit carried by a framed connection. Channel routes it to a
// scope; Ports lists the ids of the scopes opened for the transferred ports, in
// transfer order; Close asks the peer to close the scope.
type Envelope struct {
	Channel string
	Message any
	Ports   []string
	Close   bool
}

const (
	envChannelField = "__channel__"
	envMessageField = "message"
	envPortsField   = "ports"
	envCloseField   = "close"
)

// Codec encodes and decodes Envelopes for one connection
type Codec interface {
	// Name returns the config name of the codec
	Name() string

	// Binary is true if encoded envelopes are not text
	Binary() bool

	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(b []byte) (*Envelope, error)
}

// NewCodec returns the codec with the given config name
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", msgport.ErrMisuse, name)
}

// JSONCodec encodes envelopes as JSON text. Numbers decode as float64.
type JSONCodec struct{}

type jsonEnvelope struct {
	Channel string          `json:"__channel__"`
	Message json.RawMessage `json:"message,omitempty"`
	Ports   []string        `json:"ports,omitempty"`
	Close   bool            `json:"close,omitempty"`
}

// Name returns "json"
func (JSONCodec) Name() string { return "json" }

// Binary returns false
func (JSONCodec) Binary() bool { return false }

// Marshal encodes env as a JSON object
func (JSONCodec) Marshal(env *Envelope) ([]byte, error) {
	msg, err := json.Marshal(env.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode message: %v", msgport.ErrMisuse, err)
	}
	return json.Marshal(&jsonEnvelope{
		Channel: env.Channel,
		Message: msg,
		Ports:   env.Ports,
		Close:   env.Close,
	})
}

// Unmarshal decodes a JSON object produced by Marshal
func (JSONCodec) Unmarshal(b []byte) (*Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(b, &je); err != nil {
		return nil, err
	}
	env := &Envelope{Channel: je.Channel, Ports: je.Ports, Close: je.Close}
	if len(je.Message) > 0 && !bytes.Equal(je.Message, []byte("null")) {
		if err := json.Unmarshal(je.Message, &env.Message); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// ProtoCodec encodes envelopes as a binary google.protobuf.Struct. Messages must be
// made of the JSON-compatible kinds that structpb accepts.
type ProtoCodec struct{}

// Name returns "proto"
func (ProtoCodec) Name() string { return "proto" }

// Binary returns true
func (ProtoCodec) Binary() bool { return true }

// Marshal encodes env as a serialized structpb.Struct
func (ProtoCodec) Marshal(env *Envelope) ([]byte, error) {
	msg, err := structpb.NewValue(env.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode message: %v", msgport.ErrMisuse, err)
	}
	fields := map[string]*structpb.Value{
		envChannelField: structpb.NewStringValue(env.Channel),
		envMessageField: msg,
	}
	if len(env.Ports) > 0 {
		ports := make([]*structpb.Value, len(env.Ports))
		for i, id := range env.Ports {
			ports[i] = structpb.NewStringValue(id)
		}
		fields[envPortsField] = structpb.NewListValue(&structpb.ListValue{Values: ports})
	}
	if env.Close {
		fields[envCloseField] = structpb.NewBoolValue(true)
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

// Unmarshal decodes a serialized structpb.Struct produced by Marshal
func (ProtoCodec) Unmarshal(b []byte) (*Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	env := &Envelope{
		Channel: s.Fields[envChannelField].GetStringValue(),
		Close:   s.Fields[envCloseField].GetBoolValue(),
	}
	if v, ok := s.Fields[envMessageField]; ok {
		env.Message = v.AsInterface()
	}
	for _, p := range s.Fields[envPortsField].GetListValue().GetValues() {
		env.Ports = append(env.Ports, p.GetStringValue())
	}
	return env, nil
}
