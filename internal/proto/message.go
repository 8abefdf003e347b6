package proto

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	MsgTypeText        = "text"
	MsgTypeImage       = "image"
	MsgTypeFile        = "file"
	MsgTypeAudio       = "audio"
	MsgTypeVideo       = "video"
	MsgTypeSystem      = "system"
	MsgTypeTyping      = "typing"
	MsgTypeReadReceipt = "read_receipt"
	MsgTypeDelivery    = "delivery"
	MsgTypeAuth        = "auth"
	MsgTypeUserList    = "user_list"
	MsgTypeUserStatus  = "user_status"
	MsgTypeError       = "error"
	MsgTypeRekey       = "rekey"
	MsgTypeRekeyAck    = "rekey_ack"

	// MaxMessageSize bounds the decoded JSON object, not the wire frame.
	MaxMessageSize = 4 << 20
)

var messageIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Message is the plaintext carried by one envelope. Known fields are typed;
// anything else survives a decode/encode round trip untouched in Extra.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`

	// File transfer control.
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Checksum string `json:"checksum,omitempty"`

	// Typing indicator.
	Typing bool `json:"typing,omitempty"`

	// Auth request/response.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	OK       bool   `json:"ok,omitempty"`

	// Delivery and error reporting.
	Status string `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`

	// Directory responses.
	Users []string `json:"users,omitempty"`

	// Rekey exchange, carried inside the live session.
	PublicKey string `json:"public_key,omitempty"`
	Nonce     string `json:"nonce,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownMessageFields = map[string]bool{
	"type": true, "id": true, "sender": true, "recipient": true,
	"content": true, "ts": true,
	"file_name": true, "file_size": true, "mime_type": true, "checksum": true,
	"typing": true,
	"username": true, "password": true, "token": true, "ok": true,
	"status": true, "code": true, "error": true,
	"users": true, "public_key": true, "nonce": true,
}

func DecodeMessage(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return Message{}, fmt.Errorf("message too large: %d", len(data))
	}
	var m Message
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return Message{}, err
	}
	m = Message(a)
	if m.Type == "" {
		return Message{}, fmt.Errorf("missing message type")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, err
	}
	for k, v := range raw {
		if knownMessageFields[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return m, nil
}

func EncodeMessage(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	type alias Message
	data, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if knownMessageFields[k] {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UserVisible reports whether the type carries user traffic requiring a
// message id and delivery confirmation.
func UserVisible(msgType string) bool {
	switch msgType {
	case MsgTypeText, MsgTypeImage, MsgTypeFile, MsgTypeAudio, MsgTypeVideo:
		return true
	}
	return false
}

func ValidMessageID(id string) bool {
	return messageIDPattern.MatchString(id)
}

// MaxSizeForType caps the wire size per message type. Zero means the frame
// limit alone applies.
func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypeTyping, MsgTypeReadReceipt, MsgTypeDelivery, MsgTypeUserStatus:
		return 4 << 10
	case MsgTypeAuth, MsgTypeError, MsgTypeRekey, MsgTypeRekeyAck:
		return 16 << 10
	case MsgTypeUserList:
		return 256 << 10
	default:
		return 0
	}
}
