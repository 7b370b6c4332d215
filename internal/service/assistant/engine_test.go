package assistant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/medlink/backend/internal/analysis/faq"
	"github.com/zhouzirui/medlink/backend/internal/model/chat"
)

func TestGreetingOnlyForEmptyHistory(t *testing.T) {
	engine := New(Config{})

	msg, ok := engine.Greeting(chat.Session{ID: "s1"})
	require.True(t, ok)
	require.Equal(t, chat.SenderBot, msg.Sender)
	require.Equal(t, DefaultGreeting, msg.Text)

	_, ok = engine.Greeting(chat.Session{ID: "s1", Messages: []chat.Message{{Seq: 1, Text: DefaultGreeting}}})
	require.False(t, ok)
}

func TestCustomGreeting(t *testing.T) {
	engine := New(Config{Greeting: "Welcome to St. Mary's"})
	msg, ok := engine.Greeting(chat.Session{})
	require.True(t, ok)
	require.Equal(t, "Welcome to St. Mary's", msg.Text)
}

func TestReplyByTopic(t *testing.T) {
	engine := New(Config{Answers: map[faq.Topic]string{faq.Hours: "Always open."}})

	require.Equal(t, "Always open.", engine.Reply("what are your opening hours?", chat.Session{}).Text)
	require.Equal(t, defaultAnswers[faq.Emergency], engine.Reply("my mother has chest pain", chat.Session{}).Text)
	require.Equal(t, fallbackAnswer, engine.Reply("<script>alert(1)</script>", chat.Session{}).Text)
}
