// Package event normalizes raw provider webhook payloads into a closed set of
// typed event variants. Classification is a total function: payloads that do
// not match a known discriminator come back as KindUnknown instead of failing,
// since the provider's event taxonomy grows over time.
package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Kind identifies what a webhook delivery is about.
type Kind string

const (
	KindMessageUpserted      Kind = "MessageUpserted"
	KindMessageStatusChanged Kind = "MessageStatusChanged"
	KindConnectionUpdated    Kind = "ConnectionUpdated"
	KindContactOrChatUpsert  Kind = "ContactOrChatUpserted"
	KindUnknown              Kind = "Unknown"
)

// MessageStatus is the provider-reported delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Inbound is one classified webhook delivery.
type Inbound struct {
	Kind       Kind
	Event      string // discriminator as received, before normalization
	InstanceID string

	Messages      []MessageUpsert
	StatusUpdates []StatusUpdate
	Connection    *ConnectionUpdate
	Contacts      []ContactUpsert
}

// MessageUpsert carries one new-or-redelivered message from the provider.
type MessageUpsert struct {
	ExternalID string
	Phone      string
	FromMe     bool
	PushName   string
	Text       string
	MediaURL   string
	MediaMime  string
	Timestamp  time.Time
}

// StatusUpdate references an earlier message by its external id. Updates may
// arrive before the message itself under out-of-order delivery.
type StatusUpdate struct {
	ExternalID string
	Phone      string
	Status     MessageStatus
}

// ConnectionUpdate is the provider's view of the session transport.
type ConnectionUpdate struct {
	State string // "open", "connecting", "close"
}

// ContactUpsert is a contact or chat record pushed by the provider.
type ContactUpsert struct {
	Phone string
	Name  string
}

type rawEnvelope struct {
	Event    string          `json:"event"`
	Type     string          `json:"type"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type rawKey struct {
	RemoteJid string `json:"remoteJid"`
	ID        string `json:"id"`
	FromMe    bool   `json:"fromMe"`
}

type rawContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *rawMedia `json:"imageMessage"`
	VideoMessage    *rawMedia `json:"videoMessage"`
	AudioMessage    *rawMedia `json:"audioMessage"`
	DocumentMessage *rawMedia `json:"documentMessage"`
}

type rawMedia struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
}

type rawMessage struct {
	Key              rawKey      `json:"key"`
	Message          *rawContent `json:"message"`
	MessageTimestamp json.Number `json:"messageTimestamp"`
	PushName         string      `json:"pushName"`
}

type rawStatusUpdate struct {
	Key    *rawKey `json:"key"`
	KeyID  string  `json:"keyId"`
	Update *struct {
		Status json.Number `json:"status"`
	} `json:"update"`
	Status    json.RawMessage `json:"status"`
	RemoteJid string          `json:"remoteJid"`
}

type rawConnection struct {
	State      string `json:"state"`
	Connection string `json:"connection"`
}

type rawContact struct {
	ID          string `json:"id"`
	RemoteJid   string `json:"remoteJid"`
	PushName    string `json:"pushName"`
	Name        string `json:"name"`
	Notify      string `json:"notify"`
	PhoneNumber string `json:"phoneNumber"`
}

// Discriminator extracts the event name from the body's `event` (or legacy
// `type`) field, falling back to the delivery path hint. The second return is
// false when neither is present.
func Discriminator(raw []byte, pathHint string) (string, bool) {
	var env rawEnvelope
	_ = json.Unmarshal(raw, &env)
	name := env.Event
	if name == "" {
		name = env.Type
	}
	if name == "" {
		name = strings.TrimSpace(pathHint)
	}
	return name, name != ""
}

// Classify maps a raw webhook body to a typed Inbound event. It never fails:
// unrecognized discriminators or undecodable kind-specific data produce
// KindUnknown.
func Classify(raw []byte, pathHint string) Inbound {
	var env rawEnvelope
	_ = json.Unmarshal(raw, &env)

	name, ok := Discriminator(raw, pathHint)
	in := Inbound{Kind: KindUnknown, Event: name, InstanceID: env.Instance}
	if !ok {
		return in
	}

	switch classifyName(name) {
	case KindMessageUpserted:
		msgs := decodeMessages(env.Data)
		if len(msgs) == 0 {
			return in
		}
		in.Kind = KindMessageUpserted
		in.Messages = msgs
	case KindMessageStatusChanged:
		ups := decodeStatusUpdates(env.Data)
		if len(ups) == 0 {
			return in
		}
		in.Kind = KindMessageStatusChanged
		in.StatusUpdates = ups
	case KindConnectionUpdated:
		conn := decodeConnection(env.Data)
		if conn == nil {
			return in
		}
		in.Kind = KindConnectionUpdated
		in.Connection = conn
	case KindContactOrChatUpsert:
		contacts := decodeContacts(env.Data)
		if len(contacts) == 0 {
			return in
		}
		in.Kind = KindContactOrChatUpsert
		in.Contacts = contacts
	}
	return in
}

// classifyName matches the discriminator against known event families. The
// same logical event may arrive as MESSAGES_UPSERT, messages.upsert or
// messages-upsert depending on delivery path, so matching is case- and
// separator-insensitive.
func classifyName(name string) Kind {
	n := normalize(name)
	switch n {
	case "messagesupsert", "messageupsert", "messagereceived", "messagesreceived":
		return KindMessageUpserted
	case "messagesupdate", "messageupdate", "messagesstatus", "messagestatus", "statusupdate", "messagesstatusupdate":
		return KindMessageStatusChanged
	case "connectionupdate", "connectionupdated", "instancestatus":
		return KindConnectionUpdated
	case "contactsupsert", "contactupsert", "chatsupsert", "chatupsert", "contactsupdate", "chatsupdate":
		return KindContactOrChatUpsert
	}
	return KindUnknown
}

func normalize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch r {
		case '.', '_', '-', ':', ' ', '/':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// phoneFromJid strips the server part of a JID ("5511999@s.whatsapp.net") and
// any device suffix ("5511999:23").
func phoneFromJid(jid string) string {
	phone := jid
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	if i := strings.IndexByte(phone, ':'); i >= 0 {
		phone = phone[:i]
	}
	return strings.TrimPrefix(phone, "+")
}

func decodeMessages(data json.RawMessage) []MessageUpsert {
	if len(data) == 0 {
		return nil
	}

	var wrapper struct {
		Messages []rawMessage `json:"messages"`
	}
	var raws []rawMessage
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Messages) > 0 {
		raws = wrapper.Messages
	} else {
		// Some delivery modes send a single message object as data.
		var single rawMessage
		if err := json.Unmarshal(data, &single); err != nil || single.Key.ID == "" {
			return nil
		}
		raws = []rawMessage{single}
	}

	var out []MessageUpsert
	for _, m := range raws {
		if m.Key.ID == "" || m.Key.RemoteJid == "" {
			continue
		}
		up := MessageUpsert{
			ExternalID: m.Key.ID,
			Phone:      phoneFromJid(m.Key.RemoteJid),
			FromMe:     m.Key.FromMe,
			PushName:   m.PushName,
			Timestamp:  parseTimestamp(m.MessageTimestamp),
		}
		if c := m.Message; c != nil {
			switch {
			case c.Conversation != "":
				up.Text = c.Conversation
			case c.ExtendedTextMessage != nil:
				up.Text = c.ExtendedTextMessage.Text
			case c.ImageMessage != nil:
				up.Text = c.ImageMessage.Caption
				up.MediaURL = c.ImageMessage.URL
				up.MediaMime = c.ImageMessage.Mimetype
			case c.VideoMessage != nil:
				up.Text = c.VideoMessage.Caption
				up.MediaURL = c.VideoMessage.URL
				up.MediaMime = c.VideoMessage.Mimetype
			case c.AudioMessage != nil:
				up.MediaURL = c.AudioMessage.URL
				up.MediaMime = c.AudioMessage.Mimetype
			case c.DocumentMessage != nil:
				up.Text = c.DocumentMessage.Caption
				up.MediaURL = c.DocumentMessage.URL
				up.MediaMime = c.DocumentMessage.Mimetype
			}
		}
		out = append(out, up)
	}
	return out
}

func decodeStatusUpdates(data json.RawMessage) []StatusUpdate {
	if len(data) == 0 {
		return nil
	}

	var raws []rawStatusUpdate
	if err := json.Unmarshal(data, &raws); err != nil {
		var single rawStatusUpdate
		if err := json.Unmarshal(data, &single); err != nil {
			return nil
		}
		raws = []rawStatusUpdate{single}
	}

	var out []StatusUpdate
	for _, r := range raws {
		u := StatusUpdate{ExternalID: r.KeyID}
		if r.Key != nil {
			if u.ExternalID == "" {
				u.ExternalID = r.Key.ID
			}
			u.Phone = phoneFromJid(r.Key.RemoteJid)
		}
		if u.Phone == "" && r.RemoteJid != "" {
			u.Phone = phoneFromJid(r.RemoteJid)
		}
		if r.Update != nil {
			u.Status = statusFromCode(r.Update.Status)
		} else if len(r.Status) > 0 {
			u.Status = statusFromRaw(r.Status)
		}
		if u.ExternalID == "" || u.Status == "" {
			continue
		}
		out = append(out, u)
	}
	return out
}

// statusFromCode maps the provider's numeric receipt codes: 3 is delivery ack,
// 4 read, 5 played. Anything at or below 2 is a server ack on the sent copy.
func statusFromCode(n json.Number) MessageStatus {
	code, err := strconv.Atoi(n.String())
	if err != nil {
		return ""
	}
	switch {
	case code <= 0:
		return StatusFailed
	case code <= 2:
		return StatusSent
	case code == 3:
		return StatusDelivered
	default:
		return StatusRead
	}
}

func statusFromRaw(raw json.RawMessage) MessageStatus {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(s) {
		case "sent", "server_ack", "pending":
			return StatusSent
		case "delivered", "delivery_ack":
			return StatusDelivered
		case "read", "played":
			return StatusRead
		case "failed", "error":
			return StatusFailed
		}
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return statusFromCode(n)
	}
	return ""
}

func decodeConnection(data json.RawMessage) *ConnectionUpdate {
	if len(data) == 0 {
		return nil
	}
	var raw rawConnection
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	state := raw.State
	if state == "" {
		state = raw.Connection
	}
	if state == "" {
		return nil
	}
	return &ConnectionUpdate{State: strings.ToLower(state)}
}

func decodeContacts(data json.RawMessage) []ContactUpsert {
	if len(data) == 0 {
		return nil
	}
	var raws []rawContact
	if err := json.Unmarshal(data, &raws); err != nil {
		var wrapper struct {
			Contacts []rawContact `json:"contacts"`
			Chats    []rawContact `json:"chats"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil
		}
		raws = append(wrapper.Contacts, wrapper.Chats...)
	}

	var out []ContactUpsert
	for _, r := range raws {
		jid := r.ID
		if jid == "" {
			jid = r.RemoteJid
		}
		if jid == "" {
			jid = r.PhoneNumber
		}
		phone := phoneFromJid(jid)
		if phone == "" {
			continue
		}
		name := r.PushName
		if name == "" {
			name = r.Name
		}
		if name == "" {
			name = r.Notify
		}
		out = append(out, ContactUpsert{Phone: phone, Name: name})
	}
	return out
}

func parseTimestamp(n json.Number) time.Time {
	if n.String() == "" {
		return time.Time{}
	}
	secs, err := n.Int64()
	if err != nil {
		return time.Time{}
	}
	// Some providers report milliseconds.
	if secs > 1e12 {
		return time.UnixMilli(secs).UTC()
	}
	return time.Unix(secs, 0).UTC()
}
