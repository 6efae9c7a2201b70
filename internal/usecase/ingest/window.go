package ingest

import (
	"sort"
	"time"

	"wa-summary-bot/internal/domain"
)

// Коды результата обработки группы.
const (
	ReasonSuccess        = "success"
	ReasonNoMessages     = "no_messages"
	ReasonNoTextMessages = "no_text_messages"
	ReasonFetchError     = "fetch_error"
	ReasonAIError        = "ai_error"
	ReasonPersistError   = "persist_error"
	ReasonAlreadyExists  = "already_exists"
)

// Фиксированные окна выборки, от узкого к широкому.
var windows = []struct {
	Label    string
	Duration time.Duration
}{
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
	{"30d", 30 * 24 * time.Hour},
}

// WidestWindow — нижняя граница для выборки сообщений из шлюза.
const WidestWindow = 30 * 24 * time.Hour

const nonTextMarker = "interação não textual"

// WindowResult — итог выбора окна для одной группы.
type WindowResult struct {
	// Lines — строки для суммаризации в хронологическом порядке. При
	// ActivityOnly это синтетические строки-заглушки по одной на каждое
	// нетекстовое взаимодействие.
	Lines        []domain.MessageLine
	WindowLabel  string
	TextCount    int
	ActivityOnly bool
	Reason       string
}

// SelectWindow выбирает самое узкое окно с текстовым содержимым. Если
// текста нет нигде, но в самом широком окне была активность, строится
// заглушка, чтобы резюме могло сообщить «группа была активна».
func SelectWindow(messages []domain.RawMessage, now time.Time) WindowResult {
	if len(messages) == 0 {
		return WindowResult{Reason: ReasonNoMessages}
	}

	lines := make([]domain.MessageLine, 0, len(messages))
	for _, msg := range messages {
		ts, ok := ResolveMessageTime(msg)
		if !ok {
			// Сообщение без разрешимой метки времени не считается контентом.
			continue
		}
		text, isText := ExtractText(msg)
		lines = append(lines, domain.MessageLine{
			Sender:    SenderLabel(msg),
			Timestamp: ts,
			Text:      text,
			IsText:    isText,
		})
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Timestamp.Before(lines[j].Timestamp) })

	for _, window := range windows {
		since := now.Add(-window.Duration)
		var textLines []domain.MessageLine
		for _, line := range lines {
			if line.IsText && !line.Timestamp.Before(since) && !line.Timestamp.After(now) {
				textLines = append(textLines, line)
			}
		}
		if len(textLines) > 0 {
			return WindowResult{
				Lines:       textLines,
				WindowLabel: window.Label,
				TextCount:   len(textLines),
				Reason:      ReasonSuccess,
			}
		}
	}

	// Текста нет — проверяем нетекстовую активность в самом широком окне.
	widest := windows[len(windows)-1]
	since := now.Add(-widest.Duration)
	var activity []domain.MessageLine
	for _, line := range lines {
		if !line.IsText && !line.Timestamp.Before(since) && !line.Timestamp.After(now) {
			activity = append(activity, domain.MessageLine{
				Sender:    line.Sender,
				Timestamp: line.Timestamp,
				Text:      nonTextMarker,
				IsText:    false,
			})
		}
	}
	if len(activity) > 0 {
		return WindowResult{
			Lines:        activity,
			WindowLabel:  widest.Label,
			TextCount:    0,
			ActivityOnly: true,
			Reason:       ReasonSuccess,
		}
	}

	return WindowResult{Reason: ReasonNoTextMessages}
}
