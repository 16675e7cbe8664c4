package bridge

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/modcomm/internal/runtime/bus"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/jsoncodec"
)

// CloudEventsSpecVersion is the CloudEvents version written and accepted.
const CloudEventsSpecVersion = "1.0"

// ContentTypeCloudEvents marks a structured-mode CloudEvents payload.
const ContentTypeCloudEvents = "application/cloudevents+json"

// CloudEvents extension attributes carrying bus envelope fields.
const (
	ExtensionChannel       = "modcommchannel"
	ExtensionPriority      = "modcommpriority"
	ExtensionExpiresAt     = "modcommexpiresat"
	ExtensionCorrelationID = "correlationid"
)

// DefaultCloudEventsSource is used when an envelope has no source.
const DefaultCloudEventsSource = "modcomm"

// CloudEvent is a structured-mode CloudEvents 1.0 event. Extension
// attributes are flattened into the top-level JSON object.
type CloudEvent struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Time            time.Time
	DataContentType string
	Subject         string
	Data            any
	DataBase64      string
	Extensions      map[string]any
}

// Validate checks the required attributes.
func (e CloudEvent) Validate() error {
	switch {
	case e.SpecVersion != CloudEventsSpecVersion:
		return fmt.Errorf("specversion must be %q, got %q", CloudEventsSpecVersion, e.SpecVersion)
	case e.Type == "":
		return fmt.Errorf("type is required")
	case e.Source == "":
		return fmt.Errorf("source is required")
	case e.ID == "":
		return fmt.Errorf("id is required")
	}
	return nil
}

// Extension returns an extension attribute as a string, or "".
func (e CloudEvent) Extension(key string) string {
	v, ok := e.Extensions[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

var knownCloudEventAttrs = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"subject":         true,
	"data":            true,
	"data_base64":     true,
}

func (e CloudEvent) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 8+len(e.Extensions))
	for k, v := range e.Extensions {
		m[k] = v
	}
	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.UTC().Format(time.RFC3339Nano)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.DataBase64 != "" {
		m["data_base64"] = e.DataBase64
	}
	return jsoncodec.Marshal(m)
}

func (e *CloudEvent) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}

	str := func(key string) (string, error) {
		v, ok := m[key]
		if !ok || v == nil {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("invalid %s: expected string, got %T", key, v)
		}
		return s, nil
	}

	var err error
	for key, dst := range map[string]*string{
		"specversion":     &e.SpecVersion,
		"type":            &e.Type,
		"source":          &e.Source,
		"id":              &e.ID,
		"datacontenttype": &e.DataContentType,
		"subject":         &e.Subject,
		"data_base64":     &e.DataBase64,
	} {
		if *dst, err = str(key); err != nil {
			return err
		}
	}

	rawTime, err := str("time")
	if err != nil {
		return err
	}
	if rawTime != "" {
		if e.Time, err = time.Parse(time.RFC3339Nano, rawTime); err != nil {
			return fmt.Errorf("invalid time format: %w", err)
		}
	}
	e.Data = m["data"]

	e.Extensions = make(map[string]any)
	for k, v := range m {
		if !knownCloudEventAttrs[k] {
			e.Extensions[k] = v
		}
	}
	return nil
}

// CloudEventsCodec writes envelopes as structured-mode CloudEvents so
// external consumers see a standard shape. Decode accepts any valid
// CloudEvents 1.0 JSON document.
type CloudEventsCodec struct {
	// Source replaces empty envelope sources. Defaults to DefaultCloudEventsSource.
	Source string
}

var _ Codec = CloudEventsCodec{}

// Encode builds a message whose payload is the CloudEvents JSON document.
func (c CloudEventsCodec) Encode(env bus.Envelope) (*message.Message, error) {
	source := env.Source
	if source == "" {
		source = c.Source
	}
	if source == "" {
		source = DefaultCloudEventsSource
	}

	ce := CloudEvent{
		SpecVersion: CloudEventsSpecVersion,
		Type:        env.Type,
		Source:      source,
		ID:          env.ID,
		Time:        env.CreatedAt,
		Extensions: map[string]any{
			ExtensionChannel:  env.Channel,
			ExtensionPriority: env.Priority.String(),
		},
	}
	if env.CorrelationID != "" {
		ce.Extensions[ExtensionCorrelationID] = env.CorrelationID
	}
	if !env.ExpiresAt.IsZero() {
		ce.Extensions[ExtensionExpiresAt] = env.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	switch p := env.Payload.(type) {
	case nil:
	case proto.Message:
		raw, err := protoJSONMarshalOptions.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		var data any
		if err := jsoncodec.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		ce.Data, ce.DataContentType = data, ContentTypeJSON
		ce.Subject = string(p.ProtoReflect().Descriptor().FullName())
	case []byte:
		ce.DataBase64, ce.DataContentType = base64.StdEncoding.EncodeToString(p), ContentTypeBinary
	default:
		ce.Data, ce.DataContentType = p, ContentTypeJSON
	}

	body, err := jsoncodec.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("encode %s cloud event: %w", env.Type, err)
	}
	msg := message.NewMessage(env.ID, body)
	msg.Metadata.Set(MetadataKeyContentType, ContentTypeCloudEvents)
	msg.Metadata.Set(MetadataKeyType, env.Type)
	return msg, nil
}

// Decode parses and validates a CloudEvents document.
func (CloudEventsCodec) Decode(msg *message.Message) (Inbound, error) {
	var ce CloudEvent
	if err := jsoncodec.Unmarshal(msg.Payload, &ce); err != nil {
		return Inbound{}, fmt.Errorf("%w: decode cloud event %s: %w", errspkg.ErrInvalidArgument, msg.UUID, err)
	}
	if err := ce.Validate(); err != nil {
		return Inbound{}, fmt.Errorf("%w: cloud event %s: %w", errspkg.ErrInvalidArgument, msg.UUID, err)
	}

	in := Inbound{
		Type:          ce.Type,
		Source:        ce.Source,
		CorrelationID: ce.Extension(ExtensionCorrelationID),
		Priority:      bus.PriorityNormal,
		Payload:       ce.Data,
	}
	if raw := ce.Extension(ExtensionPriority); raw != "" {
		p, err := bus.ParsePriority(raw)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: %w", errspkg.ErrInvalidArgument, err)
		}
		in.Priority = p
	}
	if raw := ce.Extension(ExtensionExpiresAt); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: expires at: %w", errspkg.ErrInvalidArgument, err)
		}
		in.ExpiresAt = at
	}
	if ce.DataBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(ce.DataBase64)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: data_base64: %w", errspkg.ErrInvalidArgument, err)
		}
		in.Payload = data
	}
	return in, nil
}
