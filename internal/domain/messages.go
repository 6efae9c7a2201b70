package domain

import "time"

// MessageKey идентифицирует сообщение внутри шлюза.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
	// Timestamp встречается у части шлюзов на уровне ключа.
	Timestamp any `json:"timestamp,omitempty"`
}

// ExtendedText — текстовое сообщение с разметкой или ссылкой.
type ExtendedText struct {
	Text string `json:"text"`
}

// MediaPayload — вложение с необязательной подписью.
type MediaPayload struct {
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// ListResponse — ответ на интерактивный список.
type ListResponse struct {
	Title string `json:"title"`
}

// ButtonsResponse — нажатие на интерактивную кнопку.
type ButtonsResponse struct {
	SelectedDisplayText string `json:"selectedDisplayText"`
}

// MessageContent — полиморфное тело сообщения. Шлюз заполняет ровно одно
// из полей, остальные остаются nil.
type MessageContent struct {
	Conversation           string           `json:"conversation,omitempty"`
	ExtendedTextMessage    *ExtendedText    `json:"extendedTextMessage,omitempty"`
	ImageMessage           *MediaPayload    `json:"imageMessage,omitempty"`
	VideoMessage           *MediaPayload    `json:"videoMessage,omitempty"`
	DocumentMessage        *MediaPayload    `json:"documentMessage,omitempty"`
	ListResponseMessage    *ListResponse    `json:"listResponseMessage,omitempty"`
	ButtonsResponseMessage *ButtonsResponse `json:"buttonsResponseMessage,omitempty"`
	// MessageTimestamp — вложенная метка времени контекста сообщения.
	MessageTimestamp any `json:"messageTimestamp,omitempty"`
}

// RawMessage — сообщение в том виде, в котором его отдаёт шлюз.
// Числовые метки времени приходят в произвольных единицах, поэтому
// кандидаты хранятся как any до нормализации.
type RawMessage struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	NotifyName       string          `json:"notifyName,omitempty"`
	VerifiedBizName  string          `json:"verifiedBizName,omitempty"`
	MessageTimestamp any             `json:"messageTimestamp,omitempty"`
	Message          *MessageContent `json:"message,omitempty"`
}

// MessageLine — нормализованная строка активности группы после извлечения
// контента и разрешения метки времени.
type MessageLine struct {
	Sender    string
	Timestamp time.Time
	Text      string
	// IsText: false означает нетекстовое взаимодействие (стикер, реакция,
	// медиа без подписи) — оно считается активностью, но не материалом
	// для резюме.
	IsText bool
}
