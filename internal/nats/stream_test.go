package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/querystream/internal/model"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "qs.s-1.event.error", EventSubject("s-1", model.EventTypeError))
	assert.Equal(t, "qs.s-1.>", SessionFilter("s-1"))
}

func TestDecodeSession(t *testing.T) {
	sess, err := decodeSession([]byte(`{"id":"s-1","user_id":"u","query":["CHAT_USER: hi"]}`))
	assert.NoError(t, err)
	assert.Equal(t, "s-1", sess.ID)
	assert.Equal(t, []string{"CHAT_USER: hi"}, sess.Query)

	_, err = decodeSession([]byte(`{`))
	assert.Error(t, err)
}
