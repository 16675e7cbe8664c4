// Package bridge connects the in-process bus to Watermill publishers and
// subscribers so a gateway can forward events outward or feed external
// messages into bus channels.
package bridge

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/modcomm/internal/runtime/bus"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/jsoncodec"
)

// Metadata keys carried on bridged Watermill messages. They are reserved.
const (
	MetadataKeyType          = "modcomm_type"
	MetadataKeyChannel       = "modcomm_channel"
	MetadataKeySource        = "modcomm_source"
	MetadataKeyPriority      = "modcomm_priority"
	MetadataKeyCorrelationID = "correlation_id"
	MetadataKeyCreatedAt     = "modcomm_created_at"
	MetadataKeyExpiresAt     = "modcomm_expires_at"
	MetadataKeyContentType   = "content_type"
	// MetadataKeyProtoType names the proto message of a protojson payload.
	MetadataKeyProtoType = "modcomm_proto_type"
)

// Content types written to MetadataKeyContentType.
const (
	ContentTypeJSON      = "application/json"
	ContentTypeProtoJSON = "application/protobuf+json"
	ContentTypeBinary    = "application/octet-stream"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// Inbound is a decoded external message ready to be published on the bus.
type Inbound struct {
	Type          string
	Payload       any
	Source        string
	Priority      bus.Priority
	CorrelationID string
	ExpiresAt     time.Time
}

// Codec converts between bus envelopes and Watermill messages.
type Codec interface {
	Encode(env bus.Envelope) (*message.Message, error)
	Decode(msg *message.Message) (Inbound, error)
}

// DefaultCodec encodes proto payloads with protojson, raw bytes as-is and
// everything else as JSON.
type DefaultCodec struct{}

var _ Codec = DefaultCodec{}

// Encode builds a message whose UUID is the envelope id.
func (DefaultCodec) Encode(env bus.Envelope) (*message.Message, error) {
	var (
		payload     []byte
		contentType string
		protoType   string
		err         error
	)
	switch p := env.Payload.(type) {
	case proto.Message:
		payload, err = protoJSONMarshalOptions.Marshal(p)
		contentType = ContentTypeProtoJSON
		protoType = string(p.ProtoReflect().Descriptor().FullName())
	case []byte:
		payload, contentType = p, ContentTypeBinary
	default:
		payload, err = jsoncodec.Marshal(p)
		contentType = ContentTypeJSON
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
	}

	msg := message.NewMessage(env.ID, payload)
	msg.Metadata.Set(MetadataKeyType, env.Type)
	msg.Metadata.Set(MetadataKeyChannel, env.Channel)
	msg.Metadata.Set(MetadataKeyPriority, env.Priority.String())
	msg.Metadata.Set(MetadataKeyContentType, contentType)
	msg.Metadata.Set(MetadataKeyCreatedAt, env.CreatedAt.UTC().Format(time.RFC3339Nano))
	setIfNotEmpty(msg.Metadata, MetadataKeySource, env.Source)
	setIfNotEmpty(msg.Metadata, MetadataKeyCorrelationID, env.CorrelationID)
	setIfNotEmpty(msg.Metadata, MetadataKeyProtoType, protoType)
	if !env.ExpiresAt.IsZero() {
		msg.Metadata.Set(MetadataKeyExpiresAt, env.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	return msg, nil
}

// Decode reads the reserved metadata keys. JSON payloads, protojson ones
// included, decode to generic values; binary payloads stay []byte.
func (DefaultCodec) Decode(msg *message.Message) (Inbound, error) {
	in := Inbound{
		Type:          msg.Metadata.Get(MetadataKeyType),
		Source:        msg.Metadata.Get(MetadataKeySource),
		CorrelationID: msg.Metadata.Get(MetadataKeyCorrelationID),
		Priority:      bus.PriorityNormal,
	}

	if raw := msg.Metadata.Get(MetadataKeyPriority); raw != "" {
		p, err := bus.ParsePriority(raw)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: %w", errspkg.ErrInvalidArgument, err)
		}
		in.Priority = p
	}
	if raw := msg.Metadata.Get(MetadataKeyExpiresAt); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: expires at: %w", errspkg.ErrInvalidArgument, err)
		}
		in.ExpiresAt = at
	}

	switch msg.Metadata.Get(MetadataKeyContentType) {
	case ContentTypeBinary:
		in.Payload = []byte(msg.Payload)
	default:
		if len(msg.Payload) == 0 {
			return in, nil
		}
		var v any
		if err := jsoncodec.Unmarshal(msg.Payload, &v); err != nil {
			return Inbound{}, fmt.Errorf("%w: decode payload of message %s: %w", errspkg.ErrInvalidArgument, msg.UUID, err)
		}
		in.Payload = v
	}
	return in, nil
}

func setIfNotEmpty(md message.Metadata, key, value string) {
	if value != "" {
		md.Set(key, value)
	}
}
