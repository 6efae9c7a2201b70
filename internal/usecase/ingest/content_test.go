package ingest

import (
	"testing"

	"wa-summary-bot/internal/domain"
)

func TestExtractTextPriority(t *testing.T) {
	cases := []struct {
		name    string
		message *domain.MessageContent
		want    string
		wantOK  bool
	}{
		{
			name:    "простой текст",
			message: &domain.MessageContent{Conversation: "bom dia"},
			want:    "bom dia",
			wantOK:  true,
		},
		{
			name:    "расширенный текст",
			message: &domain.MessageContent{ExtendedTextMessage: &domain.ExtendedText{Text: "olha esse link"}},
			want:    "olha esse link",
			wantOK:  true,
		},
		{
			name:    "подпись к изображению",
			message: &domain.MessageContent{ImageMessage: &domain.MediaPayload{Caption: "foto da reunião"}},
			want:    "foto da reunião",
			wantOK:  true,
		},
		{
			name:    "подпись к документу",
			message: &domain.MessageContent{DocumentMessage: &domain.MediaPayload{Caption: "relatório"}},
			want:    "relatório",
			wantOK:  true,
		},
		{
			name:    "ответ на список",
			message: &domain.MessageContent{ListResponseMessage: &domain.ListResponse{Title: "opção 2"}},
			want:    "opção 2",
			wantOK:  true,
		},
		{
			name:    "медиа без подписи",
			message: &domain.MessageContent{ImageMessage: &domain.MediaPayload{MimeType: "image/jpeg"}},
			wantOK:  false,
		},
		{
			name:   "пустое тело",
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractText(domain.RawMessage{Message: tc.message})
			if ok != tc.wantOK {
				t.Fatalf("ожидали ok=%v, получили %v", tc.wantOK, ok)
			}
			if got != tc.want {
				t.Fatalf("ожидали %q, получили %q", tc.want, got)
			}
		})
	}
}

func TestSenderLabelFromMe(t *testing.T) {
	msg := domain.RawMessage{PushName: "Maria"}
	msg.Key.FromMe = true
	if got := SenderLabel(msg); got != SelfLabel {
		t.Fatalf("для собственных сообщений ожидали %q, получили %q", SelfLabel, got)
	}
}

func TestSenderLabelDisplayNamePriority(t *testing.T) {
	msg := domain.RawMessage{NotifyName: "João", VerifiedBizName: "Loja"}
	if got := SenderLabel(msg); got != "João" {
		t.Fatalf("ожидали notifyName, получили %q", got)
	}
	msg.PushName = "João Silva"
	if got := SenderLabel(msg); got != "João Silva" {
		t.Fatalf("pushName имеет приоритет, получили %q", got)
	}
}

func TestSenderLabelPhoneFallback(t *testing.T) {
	var msg domain.RawMessage
	msg.Key.Participant = "5511999998888@s.whatsapp.net"
	if got := SenderLabel(msg); got != "+55 11 99999-8888" {
		t.Fatalf("неожиданный формат телефона: %q", got)
	}
}

func TestSenderLabelAnonymous(t *testing.T) {
	var msg domain.RawMessage
	msg.Key.Participant = "abc@lid" // нечисловой идентификатор не форматируется в телефон
	if got := SenderLabel(msg); got != AnonymousLabel {
		t.Fatalf("ожидали %q, получили %q", AnonymousLabel, got)
	}
}
