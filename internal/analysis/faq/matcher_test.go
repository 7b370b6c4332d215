package faq

import "testing"

func TestClassifyAppointment(t *testing.T) {
	match := Classify("How do I book an appointment with cardiology?")
	if match.Topic != Appointments {
		t.Fatalf("expected appointments topic, got %s", match.Topic)
	}
	if match.Score <= 0 {
		t.Fatalf("expected positive score, got %d", match.Score)
	}
}

func TestClassifyEmergencyWins(t *testing.T) {
	match := Classify("I want to book an appointment, my father has chest pain")
	if match.Topic != Emergency {
		t.Fatalf("expected emergency topic, got %s", match.Topic)
	}
}

func TestClassifyUnknown(t *testing.T) {
	if match := Classify("   "); match.Topic != Unknown {
		t.Fatalf("expected unknown for blank input, got %s", match.Topic)
	}
	if match := Classify("qwerty zxcv"); match.Topic != Unknown {
		t.Fatalf("expected unknown, got %s", match.Topic)
	}
}

func TestClassifyChinese(t *testing.T) {
	if match := Classify("请问怎么预约挂号"); match.Topic != Appointments {
		t.Fatalf("expected appointments topic, got %s", match.Topic)
	}
}
