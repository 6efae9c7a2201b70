package ingest

import (
	"fmt"
	"strings"

	"wa-summary-bot/internal/domain"
)

const (
	// SelfLabel подставляется вместо имени для собственных сообщений.
	SelfLabel = "Você"
	// AnonymousLabel используется, когда отправителя не удалось определить.
	AnonymousLabel = "Participante"
)

// ExtractText достаёт текстовое содержимое сообщения. Второе значение
// false означает нетекстовое взаимодействие: оно учитывается как
// активность группы, но не попадает в материал резюме.
func ExtractText(msg domain.RawMessage) (string, bool) {
	m := msg.Message
	if m == nil {
		return "", false
	}
	if text := strings.TrimSpace(m.Conversation); text != "" {
		return text, true
	}
	if m.ExtendedTextMessage != nil {
		if text := strings.TrimSpace(m.ExtendedTextMessage.Text); text != "" {
			return text, true
		}
	}
	for _, media := range []*domain.MediaPayload{m.ImageMessage, m.VideoMessage, m.DocumentMessage} {
		if media == nil {
			continue
		}
		if caption := strings.TrimSpace(media.Caption); caption != "" {
			return caption, true
		}
	}
	if m.ListResponseMessage != nil {
		if title := strings.TrimSpace(m.ListResponseMessage.Title); title != "" {
			return title, true
		}
	}
	if m.ButtonsResponseMessage != nil {
		if text := strings.TrimSpace(m.ButtonsResponseMessage.SelectedDisplayText); text != "" {
			return text, true
		}
	}
	return "", false
}

// SenderLabel возвращает человекочитаемую подпись отправителя.
func SenderLabel(msg domain.RawMessage) string {
	if msg.Key.FromMe {
		return SelfLabel
	}
	for _, name := range []string{msg.PushName, msg.NotifyName, msg.VerifiedBizName} {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			return trimmed
		}
	}
	jid := msg.Key.Participant
	if jid == "" {
		jid = msg.Key.RemoteJID
	}
	if phone := formatPhone(jid); phone != "" {
		return phone
	}
	return AnonymousLabel
}

// formatPhone превращает сырой идентификатор шлюза в телефонную запись
// вида "+55 11 99999-9999". Групповые и нечисловые идентификаторы
// отбрасываются.
func formatPhone(jid string) string {
	raw, _, _ := strings.Cut(jid, "@")
	var digits strings.Builder
	for _, r := range raw {
		if r < '0' || r > '9' {
			return ""
		}
		digits.WriteRune(r)
	}
	phone := digits.String()
	if len(phone) < 8 {
		return ""
	}
	if len(phone) <= 11 {
		return "+" + phone
	}
	country := phone[:2]
	area := phone[2:4]
	rest := phone[4:]
	split := len(rest) - 4
	return fmt.Sprintf("+%s %s %s-%s", country, area, rest[:split], rest[split:])
}
