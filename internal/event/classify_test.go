package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upsertBody = `{
	"event": "MESSAGES_UPSERT",
	"instance": "lead-line-1",
	"data": {
		"messages": [{
			"key": {"remoteJid": "5511999887766@s.whatsapp.net", "id": "3EB0538DA65B", "fromMe": false},
			"pushName": "Maria Souza",
			"message": {"conversation": "Oi, quero saber o preço"},
			"messageTimestamp": 1756400000
		}]
	}
}`

func TestClassifyMessageUpsert(t *testing.T) {
	in := Classify([]byte(upsertBody), "")

	require.Equal(t, KindMessageUpserted, in.Kind)
	assert.Equal(t, "MESSAGES_UPSERT", in.Event)
	assert.Equal(t, "lead-line-1", in.InstanceID)
	require.Len(t, in.Messages, 1)

	m := in.Messages[0]
	assert.Equal(t, "3EB0538DA65B", m.ExternalID)
	assert.Equal(t, "5511999887766", m.Phone)
	assert.False(t, m.FromMe)
	assert.Equal(t, "Maria Souza", m.PushName)
	assert.Equal(t, "Oi, quero saber o preço", m.Text)
	assert.Equal(t, time.Unix(1756400000, 0).UTC(), m.Timestamp)
}

func TestClassifyDiscriminatorVariants(t *testing.T) {
	variants := []string{
		"MESSAGES_UPSERT",
		"messages.upsert",
		"messages-upsert",
		"Messages Upsert",
		"message_upsert",
	}
	for _, v := range variants {
		body := `{"event": "` + v + `", "data": {"messages": [{"key": {"remoteJid": "551188@s.whatsapp.net", "id": "ID1"}}]}}`
		in := Classify([]byte(body), "")
		assert.Equalf(t, KindMessageUpserted, in.Kind, "variant %q", v)
	}
}

func TestClassifyPathHintFallback(t *testing.T) {
	body := `{"data": {"messages": [{"key": {"remoteJid": "551188@s.whatsapp.net", "id": "ID2"}}]}}`

	name, ok := Discriminator([]byte(body), "messages-upsert")
	require.True(t, ok)
	assert.Equal(t, "messages-upsert", name)

	in := Classify([]byte(body), "messages-upsert")
	assert.Equal(t, KindMessageUpserted, in.Kind)

	_, ok = Discriminator([]byte(body), "")
	assert.False(t, ok)
}

func TestClassifyIsTotal(t *testing.T) {
	cases := map[string]string{
		"unknown event":    `{"event": "presence.update", "data": {}}`,
		"malformed body":   `{"event": "MESSAGES_UPSERT", "data": "not-an-object"}`,
		"empty data":       `{"event": "MESSAGES_UPSERT"}`,
		"no discriminator": `{"data": {"messages": []}}`,
		"not json":         `garbage`,
	}
	for name, body := range cases {
		in := Classify([]byte(body), "")
		assert.Equalf(t, KindUnknown, in.Kind, "case %q", name)
	}
}

func TestClassifySingleMessageObject(t *testing.T) {
	body := `{"event": "message.received", "data": {
		"key": {"remoteJid": "+5511977@s.whatsapp.net:12", "id": "SOLO1", "fromMe": true},
		"message": {"extendedTextMessage": {"text": "preço atualizado"}},
		"messageTimestamp": 1756400000123
	}}`
	in := Classify([]byte(body), "")

	require.Equal(t, KindMessageUpserted, in.Kind)
	require.Len(t, in.Messages, 1)
	m := in.Messages[0]
	assert.Equal(t, "5511977", m.Phone, "server and device suffixes stripped")
	assert.True(t, m.FromMe)
	assert.Equal(t, "preço atualizado", m.Text)
	assert.Equal(t, time.UnixMilli(1756400000123).UTC(), m.Timestamp, "millisecond timestamps detected")
}

func TestClassifyMediaMessage(t *testing.T) {
	body := `{"event": "messages.upsert", "data": {"messages": [{
		"key": {"remoteJid": "551166@s.whatsapp.net", "id": "IMG1"},
		"message": {"imageMessage": {"url": "https://cdn.example/img.enc", "mimetype": "image/jpeg", "caption": "orçamento"}}
	}]}}`
	in := Classify([]byte(body), "")

	require.Len(t, in.Messages, 1)
	m := in.Messages[0]
	assert.Equal(t, "https://cdn.example/img.enc", m.MediaURL)
	assert.Equal(t, "image/jpeg", m.MediaMime)
	assert.Equal(t, "orçamento", m.Text)
}

func TestClassifyStatusUpdates(t *testing.T) {
	body := `{"event": "messages.update", "data": [
		{"key": {"remoteJid": "551155@s.whatsapp.net", "id": "ST1"}, "update": {"status": 3}},
		{"keyId": "ST2", "remoteJid": "551155@s.whatsapp.net", "status": "read"},
		{"keyId": "ST3", "update": {"status": 2}}
	]}`
	in := Classify([]byte(body), "")

	require.Equal(t, KindMessageStatusChanged, in.Kind)
	require.Len(t, in.StatusUpdates, 3)
	assert.Equal(t, StatusDelivered, in.StatusUpdates[0].Status)
	assert.Equal(t, "ST1", in.StatusUpdates[0].ExternalID)
	assert.Equal(t, StatusRead, in.StatusUpdates[1].Status)
	assert.Equal(t, StatusSent, in.StatusUpdates[2].Status)
}

func TestClassifyConnectionUpdate(t *testing.T) {
	in := Classify([]byte(`{"event": "connection.update", "data": {"state": "OPEN"}}`), "")
	require.Equal(t, KindConnectionUpdated, in.Kind)
	require.NotNil(t, in.Connection)
	assert.Equal(t, "open", in.Connection.State)

	in = Classify([]byte(`{"event": "CONNECTION_UPDATE", "data": {"connection": "close"}}`), "")
	require.Equal(t, KindConnectionUpdated, in.Kind)
	assert.Equal(t, "close", in.Connection.State)
}

func TestClassifyContacts(t *testing.T) {
	body := `{"event": "contacts.upsert", "data": [
		{"id": "551144@s.whatsapp.net", "pushName": "João"},
		{"remoteJid": "551133@s.whatsapp.net", "notify": "Ana"}
	]}`
	in := Classify([]byte(body), "")

	require.Equal(t, KindContactOrChatUpsert, in.Kind)
	require.Len(t, in.Contacts, 2)
	assert.Equal(t, "551144", in.Contacts[0].Phone)
	assert.Equal(t, "João", in.Contacts[0].Name)
	assert.Equal(t, "Ana", in.Contacts[1].Name)
}

func TestPhoneFromJid(t *testing.T) {
	assert.Equal(t, "5511999887766", phoneFromJid("5511999887766@s.whatsapp.net"))
	assert.Equal(t, "5511999887766", phoneFromJid("+5511999887766:42@s.whatsapp.net"))
	assert.Equal(t, "5511999887766", phoneFromJid("5511999887766"))
}
