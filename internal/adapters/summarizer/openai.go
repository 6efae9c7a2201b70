package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wa-summary-bot/internal/domain"
	openai "wa-summary-bot/internal/infra/openai"
)

// ErrEmptyCompletion возвращается, если модель вернула пустой ответ.
var ErrEmptyCompletion = errors.New("пустой ответ модели")

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI реализует domain.Summarizer через OpenAI Chat Completions.
// Выбор модели зависит от тарифа: старшая модель для pro/premium/enterprise.
type OpenAI struct {
	client       chatClient
	modelLight   string
	modelPremium string
	timeout      time.Duration
}

var _ domain.Summarizer = (*OpenAI)(nil)

// NewOpenAI создаёт провайдер суммаризации.
func NewOpenAI(client chatClient, modelLight, modelPremium string, timeout time.Duration) *OpenAI {
	if modelLight == "" {
		modelLight = "gpt-4o-mini"
	}
	if modelPremium == "" {
		modelPremium = "gpt-4o"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{client: client, modelLight: modelLight, modelPremium: modelPremium, timeout: timeout}
}

// Summarize строит текст резюме по строкам активности группы.
func (s *OpenAI) Summarize(ctx context.Context, req domain.SummaryRequest) (string, error) {
	if len(req.Lines) == 0 {
		return "", errors.New("нет строк для суммаризации")
	}

	model := s.modelLight
	if req.Plan.Premium() {
		model = s.modelPremium
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	completion, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0.3,
		MaxTokens:   maxTokensFor(req.Preferences.Size, req.Plan),
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: buildSystemPrompt(req)},
			{Role: openai.RoleUser, Content: buildTranscript(req)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// buildSystemPrompt собирает системный промпт из аддитивных клауз:
// тональность × объём × тематический фокус × анализ настроения.
// Для enterprise контракт вывода другой по структуре, не просто длиннее.
func buildSystemPrompt(req domain.SummaryRequest) string {
	if req.Plan == domain.PlanEnterprise {
		return buildEnterprisePrompt(req)
	}

	var b strings.Builder
	b.WriteString("Você é um assistente que resume conversas de grupos do WhatsApp. ")
	b.WriteString("Resuma a conversa do grupo \"" + req.GroupName + "\" em português, sem inventar fatos. ")

	switch req.Preferences.Tone {
	case domain.ToneProfessional:
		b.WriteString("Use um tom profissional e objetivo. ")
	case domain.ToneCasual:
		b.WriteString("Use um tom casual e leve. ")
	case domain.ToneFormal:
		b.WriteString("Use um tom formal e cuidadoso. ")
	case domain.ToneFriendly:
		b.WriteString("Use um tom amigável e acolhedor. ")
	}

	switch req.Preferences.Size {
	case domain.SizeShort:
		b.WriteString("Seja muito conciso: no máximo 3 frases. ")
	case domain.SizeMedium:
		b.WriteString("Escreva um resumo de tamanho médio, em torno de um parágrafo. ")
	case domain.SizeLong:
		b.WriteString("Escreva um resumo completo com os principais assuntos em tópicos. ")
	case domain.SizeDetailed:
		b.WriteString("Escreva um resumo detalhado cobrindo todos os assuntos discutidos. ")
	}

	if focus := strings.TrimSpace(req.Preferences.ThematicFocus); focus != "" {
		b.WriteString("Dê atenção especial ao tema: " + focus + ". ")
	}

	if req.Preferences.IncludeSentimentAnalysis {
		b.WriteString("Inclua uma breve análise do clima emocional da conversa. ")
	}

	if activityOnly(req) {
		b.WriteString("Não há mensagens de texto no período; relate apenas que o grupo esteve ativo com interações não textuais e quantas foram. ")
	}

	return strings.TrimSpace(b.String())
}

// buildEnterprisePrompt — структурно отличный контракт вывода для
// enterprise: статистика по участникам, хронология с метками времени,
// решения и нерешённые вопросы.
func buildEnterprisePrompt(req domain.SummaryRequest) string {
	var b strings.Builder
	b.WriteString("Você é um analista de comunicação corporativa. ")
	b.WriteString("Analise a conversa do grupo \"" + req.GroupName + "\" e produza um relatório em português com exatamente estas seções:\n")
	b.WriteString("1. Estatísticas por participante: número de mensagens de cada um.\n")
	b.WriteString("2. Linha do tempo: lista cronológica em tópicos, cada item com horário explícito.\n")
	b.WriteString("3. Decisões tomadas.\n")
	b.WriteString("4. Pendências e questões em aberto.\n")
	b.WriteString("Não invente fatos que não estejam na conversa.")

	if focus := strings.TrimSpace(req.Preferences.ThematicFocus); focus != "" {
		b.WriteString(" Destaque o tema: " + focus + ".")
	}
	if req.Preferences.IncludeSentimentAnalysis {
		b.WriteString(" Acrescente uma seção final com a análise do clima emocional.")
	}
	return b.String()
}

// buildTranscript форматирует строки активности в хронологическую
// расшифровку для модели.
func buildTranscript(req domain.SummaryRequest) string {
	var b strings.Builder
	b.WriteString("Conversa do dia " + req.Date.Format("02/01/2006"))
	if req.WindowLabel != "" {
		b.WriteString(" (janela " + req.WindowLabel + ")")
	}
	b.WriteString(":\n\n")
	for _, line := range req.Lines {
		b.WriteString("[" + line.Timestamp.Format("02/01 15:04") + "] ")
		b.WriteString(line.Sender + ": " + line.Text + "\n")
	}
	return b.String()
}

func activityOnly(req domain.SummaryRequest) bool {
	for _, line := range req.Lines {
		if line.IsText {
			return false
		}
	}
	return true
}

func maxTokensFor(size domain.SummarySize, plan domain.Plan) int {
	if plan == domain.PlanEnterprise {
		return 2000
	}
	switch size {
	case domain.SizeShort:
		return 300
	case domain.SizeMedium:
		return 600
	case domain.SizeLong:
		return 1200
	case domain.SizeDetailed:
		return 1600
	}
	return 600
}
