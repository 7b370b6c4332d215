// Package assistant answers visitor messages automatically while a session is
// still handled by the bot.
package assistant

import (
	"strings"

	"github.com/zhouzirui/medlink/backend/internal/analysis/faq"
	"github.com/zhouzirui/medlink/backend/internal/model/chat"
)

// DefaultGreeting is sent as the first message of every new session.
const DefaultGreeting = "Hello! I'm the hospital's virtual assistant. Ask me about opening hours, appointments, visiting, billing or directions. If you'd like to talk to a member of our team, tap \"Talk to a person\"."

// Config tunes the engine.
type Config struct {
	Greeting string
	// Answers overrides the canned reply per topic.
	Answers map[faq.Topic]string
}

// Engine is a pure function of (text, session); it never performs I/O.
type Engine struct {
	greeting string
	answers  map[faq.Topic]string
}

var defaultAnswers = map[faq.Topic]string{
	faq.Emergency:    "If this is a medical emergency, call your local emergency number now or go straight to our Emergency Department, which is open 24/7. Please don't wait for a chat reply.",
	faq.Greeting:     "Hi! How can I help you today?",
	faq.Hours:        "Outpatient clinics are open Monday to Friday 8:00–18:00 and Saturday 9:00–13:00. The Emergency Department is open 24 hours a day.",
	faq.Appointments: "You can book, change or cancel an appointment from the Patient Portal under \"Appointments\", or by calling the appointment desk during clinic hours.",
	faq.Location:     "We're at the main campus entrance on Hospital Road. Visitor parking is in the multi-storey car park next to the main entrance, and several bus routes stop outside.",
	faq.Visiting:     "General ward visiting hours are 14:00–20:00 daily, with up to two visitors per patient. Some wards have their own rules, so please check with the ward reception.",
	faq.Billing:      "Invoices and payments are available in the Patient Portal under \"Billing\". For insurance questions our billing office can help during clinic hours.",
	faq.Records:      "Test results and medical reports appear in the Patient Portal once your doctor has reviewed them. Copies of full records can be requested from the Records Office.",
	faq.Careers:      "Open positions are listed on our Careers page, where you can also apply online.",
	faq.Thanks:       "You're welcome! Is there anything else I can help with?",
}

const fallbackAnswer = "I'm not sure I can answer that. You can rephrase your question, or request human assistance and a member of our staff will join this chat."

// New builds an Engine; zero Config values fall back to the defaults.
func New(cfg Config) *Engine {
	greeting := strings.TrimSpace(cfg.Greeting)
	if greeting == "" {
		greeting = DefaultGreeting
	}
	answers := make(map[faq.Topic]string, len(defaultAnswers))
	for topic, text := range defaultAnswers {
		answers[topic] = text
	}
	for topic, text := range cfg.Answers {
		if strings.TrimSpace(text) != "" {
			answers[topic] = text
		}
	}
	return &Engine{greeting: greeting, answers: answers}
}

// Greeting returns the greeting for a session with no history; restored
// sessions already contain it.
func (e *Engine) Greeting(session chat.Session) (chat.Message, bool) {
	if len(session.Messages) > 0 {
		return chat.Message{}, false
	}
	return chat.NewMessage(chat.SenderBot, e.greeting), true
}

// Reply produces the bot answer to a visitor message.
func (e *Engine) Reply(text string, _ chat.Session) chat.Message {
	match := faq.Classify(text)
	answer, ok := e.answers[match.Topic]
	if !ok {
		answer = fallbackAnswer
	}
	return chat.NewMessage(chat.SenderBot, answer)
}
