package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/netron/internal/protocol/frame"
	"github.com/danmuck/netron/internal/protocol/schema"
	"github.com/danmuck/netron/internal/protocol/tlv"
)

var (
	ErrInvalidHello      = errors.New("session: invalid hello")
	ErrUnexpectedMessage = errors.New("session: unexpected message type")
	ErrInvalidEvent      = errors.New("session: invalid event")
)

// Hello opens a link in both directions: the dialer sends it as a request,
// the acceptor answers with its own Hello flagged as a response.
type Hello struct {
	PeerID          string
	ProtocolVersion uint32
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.PeerID) == "" {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidHello)
	}
	if h.ProtocolVersion != uint32(frame.Version) {
		return fmt.Errorf("%w: protocol_version %d (want %d)", ErrInvalidHello, h.ProtocolVersion, frame.Version)
	}
	return nil
}

func EncodeHello(messageID uint64, h Hello, response bool) (frame.Frame, error) {
	if err := h.Validate(); err != nil {
		return frame.Frame{}, err
	}
	flags := uint32(0)
	if response {
		flags = frame.FlagIsResponse
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldPeerID, h.PeerID),
		tlv.U32(schema.FieldProtocolVersion, h.ProtocolVersion),
	}
	return build(messageID, schema.MsgHello, flags, fields)
}

func DecodeHello(f frame.Frame) (Hello, error) {
	fields, err := fieldsOf(f, schema.MsgHello)
	if err != nil {
		return Hello{}, err
	}
	version, err := tlv.GetU32(fields, schema.FieldProtocolVersion)
	if err != nil {
		return Hello{}, err
	}
	h := Hello{
		PeerID:          tlv.GetString(fields, schema.FieldPeerID),
		ProtocolVersion: version,
	}
	return h, h.Validate()
}

// Call addresses one member of a definition. Data is the JSON argument
// (default value or argument list for get, new value for set).
type Call struct {
	DefID uint64
	Name  string
	Data  []byte
}

func EncodeCall(messageID uint64, messageType uint32, c Call) (frame.Frame, error) {
	if messageType != schema.MsgGet && messageType != schema.MsgSet {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.MessageName(messageType))
	}
	fields := []tlv.Field{
		tlv.U64(schema.FieldDefID, c.DefID),
		tlv.String(schema.FieldName, c.Name),
	}
	if len(c.Data) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldData, c.Data))
	}
	return build(messageID, messageType, 0, fields)
}

func DecodeCall(f frame.Frame) (Call, error) {
	mt := f.Header.MessageType
	if mt != schema.MsgGet && mt != schema.MsgSet {
		return Call{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.MessageName(mt))
	}
	fields, err := fieldsOf(f, mt)
	if err != nil {
		return Call{}, err
	}
	defID, err := tlv.GetU64(fields, schema.FieldDefID)
	if err != nil {
		return Call{}, err
	}
	return Call{
		DefID: defID,
		Name:  tlv.GetString(fields, schema.FieldName),
		Data:  tlv.GetBytes(fields, schema.FieldData),
	}, nil
}

// EncodeTask wraps a JSON task list.
func EncodeTask(messageID uint64, data []byte) (frame.Frame, error) {
	return build(messageID, schema.MsgTask, 0, []tlv.Field{tlv.Bytes(schema.FieldData, data)})
}

func DecodeTask(f frame.Frame) ([]byte, error) {
	fields, err := fieldsOf(f, schema.MsgTask)
	if err != nil {
		return nil, err
	}
	return tlv.GetBytes(fields, schema.FieldData), nil
}

// Event is a one-way notification; it never gets a response.
type Event struct {
	Name string
	Data []byte
}

func EncodeEvent(e Event) (frame.Frame, error) {
	if strings.TrimSpace(e.Name) == "" {
		return frame.Frame{}, fmt.Errorf("%w: missing event_name", ErrInvalidEvent)
	}
	fields := []tlv.Field{tlv.String(schema.FieldEventName, e.Name)}
	if len(e.Data) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldData, e.Data))
	}
	return build(0, schema.MsgEvent, 0, fields)
}

func DecodeEvent(f frame.Frame) (Event, error) {
	fields, err := fieldsOf(f, schema.MsgEvent)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Name: tlv.GetString(fields, schema.FieldEventName),
		Data: tlv.GetBytes(fields, schema.FieldData),
	}, nil
}

// Response is the decoded answer to a get, set or task request.
type Response struct {
	Data    []byte
	Code    string
	Message string
	Failed  bool
}

// EncodeResponse answers req with an optional JSON payload.
func EncodeResponse(req frame.Header, data []byte) frame.Frame {
	var fields []tlv.Field
	if len(data) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldData, data))
	}
	f, _ := build(req.MessageID, req.MessageType, frame.FlagIsResponse, fields)
	return f
}

// EncodeErrorResponse answers req with an error code and message.
func EncodeErrorResponse(req frame.Header, code, message string) frame.Frame {
	fields := []tlv.Field{
		tlv.String(schema.FieldErrorCode, code),
		tlv.String(schema.FieldErrorMessage, message),
	}
	f, _ := build(req.MessageID, req.MessageType, frame.FlagIsResponse|frame.FlagIsError, fields)
	return f
}

func DecodeResponse(f frame.Frame) (Response, error) {
	if !f.Header.IsResponse() {
		return Response{}, fmt.Errorf("%w: frame is not a response", ErrUnexpectedMessage)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Response{}, err
	}
	if f.Header.IsError() {
		if err := schema.ValidateError(f.Header.MessageType, fields); err != nil {
			return Response{}, err
		}
		return Response{
			Failed:  true,
			Code:    tlv.GetString(fields, schema.FieldErrorCode),
			Message: tlv.GetString(fields, schema.FieldErrorMessage),
		}, nil
	}
	return Response{Data: tlv.GetBytes(fields, schema.FieldData)}, nil
}

func build(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if flags&frame.FlagIsError == 0 && flags&frame.FlagIsResponse == 0 {
		if err := schema.Validate(messageType, fields); err != nil {
			return frame.Frame{}, err
		}
	}
	return frame.Frame{
		Header: frame.Header{
			Magic:       frame.Magic,
			Version:     frame.Version,
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func fieldsOf(f frame.Frame, want uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != want {
		return nil, fmt.Errorf("%w: got %s want %s", ErrUnexpectedMessage,
			schema.MessageName(f.Header.MessageType), schema.MessageName(want))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
