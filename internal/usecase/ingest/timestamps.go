package ingest

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"wa-summary-bot/internal/domain"
)

// NormalizeTimestamp приводит кандидата произвольного вида к миллисекундам
// от эпохи. Единицы определяются по числу десятичных цифр: секунды,
// миллисекунды, микросекунды и наносекунды занимают непересекающиеся
// диапазоны разрядностей, поэтому сортировка нормализованных значений
// воспроизводит истинный хронологический порядок при смешанных единицах.
func NormalizeTimestamp(candidate any) (int64, bool) {
	switch v := candidate.(type) {
	case nil:
		return 0, false
	case int64:
		return normalizeNumeric(v)
	case int:
		return normalizeNumeric(int64(v))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return 0, false
		}
		return normalizeNumeric(int64(v))
	case json.Number:
		return normalizeString(v.String())
	case string:
		return normalizeString(v)
	default:
		return 0, false
	}
}

func normalizeString(raw string) (int64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return normalizeNumeric(n)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return NormalizeTimestamp(f)
	}
	// Нечисловые строки трактуем как ISO-8601 и родственные форматы.
	t, err := dateparse.ParseAny(trimmed)
	if err != nil || t.IsZero() {
		return 0, false
	}
	ms := t.UnixMilli()
	if ms <= 0 {
		return 0, false
	}
	return ms, true
}

func normalizeNumeric(value int64) (int64, bool) {
	if value <= 0 {
		return 0, false
	}
	switch digits := digitCount(value); {
	case digits <= 10: // секунды
		return value * 1000, true
	case digits <= 13: // миллисекунды
		return value, true
	case digits <= 16: // микросекунды
		return value / 1000, true
	default: // наносекунды
		return value / 1_000_000, true
	}
}

func digitCount(value int64) int {
	count := 0
	for value > 0 {
		value /= 10
		count++
	}
	return count
}

// ResolveMessageTime разрешает метку времени сообщения по упорядоченному
// списку кандидатов: верхний уровень, вложенный контекст, уровень ключа.
// Сообщение без разрешимой метки отбрасывается целиком.
func ResolveMessageTime(msg domain.RawMessage) (time.Time, bool) {
	candidates := make([]any, 0, 3)
	candidates = append(candidates, msg.MessageTimestamp)
	if msg.Message != nil {
		candidates = append(candidates, msg.Message.MessageTimestamp)
	}
	candidates = append(candidates, msg.Key.Timestamp)

	for _, candidate := range candidates {
		if ms, ok := NormalizeTimestamp(candidate); ok {
			return time.UnixMilli(ms).UTC(), true
		}
	}
	return time.Time{}, false
}
