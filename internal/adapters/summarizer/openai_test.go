package summarizer

import (
	"context"
	"strings"
	"testing"
	"time"

	"wa-summary-bot/internal/domain"
	openai "wa-summary-bot/internal/infra/openai"
)

type fakeChatClient struct {
	captured openai.ChatCompletionRequest
	reply    string
	err      error
}

func (f *fakeChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.captured = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Content: f.reply}}},
	}, nil
}

func sampleRequest(plan domain.Plan) domain.SummaryRequest {
	return domain.SummaryRequest{
		GroupName: "Família",
		Lines: []domain.MessageLine{
			{Sender: "Maria", Timestamp: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC), Text: "bom dia", IsText: true},
			{Sender: "João", Timestamp: time.Date(2025, 5, 10, 9, 5, 0, 0, time.UTC), Text: "bom dia!", IsText: true},
		},
		Preferences: domain.UserPreferences{Tone: domain.ToneCasual, Size: domain.SizeShort},
		Plan:        plan,
		WindowLabel: "24h",
		Date:        time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestSummarizeModelByPlan(t *testing.T) {
	client := &fakeChatClient{reply: "resumo"}
	s := NewOpenAI(client, "light-model", "premium-model", time.Second)

	if _, err := s.Summarize(context.Background(), sampleRequest(domain.PlanFree)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if client.captured.Model != "light-model" {
		t.Fatalf("для free ожидали лёгкую модель, получили %s", client.captured.Model)
	}

	if _, err := s.Summarize(context.Background(), sampleRequest(domain.PlanPro)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if client.captured.Model != "premium-model" {
		t.Fatalf("для pro ожидали старшую модель, получили %s", client.captured.Model)
	}
}

func TestBuildSystemPromptClauses(t *testing.T) {
	req := sampleRequest(domain.PlanFree)
	req.Preferences.Tone = domain.ToneFormal
	req.Preferences.Size = domain.SizeDetailed
	req.Preferences.ThematicFocus = "vendas"
	req.Preferences.IncludeSentimentAnalysis = true

	prompt := buildSystemPrompt(req)
	for _, fragment := range []string{"tom formal", "detalhado", "vendas", "clima emocional", "Família"} {
		if !strings.Contains(prompt, fragment) {
			t.Fatalf("в промпте нет клаузы %q: %s", fragment, prompt)
		}
	}
}

func TestBuildSystemPromptOmitsDisabledClauses(t *testing.T) {
	req := sampleRequest(domain.PlanFree)
	prompt := buildSystemPrompt(req)
	if strings.Contains(prompt, "clima emocional") {
		t.Fatalf("анализ настроения выключен, но клауза присутствует")
	}
	if strings.Contains(prompt, "tema:") {
		t.Fatalf("фокус не задан, но клауза присутствует")
	}
}

func TestEnterprisePromptStructure(t *testing.T) {
	req := sampleRequest(domain.PlanEnterprise)
	prompt := buildSystemPrompt(req)

	for _, section := range []string{"Estatísticas por participante", "Linha do tempo", "Decisões tomadas", "Pendências"} {
		if !strings.Contains(prompt, section) {
			t.Fatalf("enterprise-промпт без секции %q", section)
		}
	}
	// Контракт другой по структуре, а не удлинённый вариант базового.
	if strings.Contains(prompt, "Resuma a conversa") {
		t.Fatalf("enterprise-промпт не должен переиспользовать базовый шаблон")
	}
}

func TestTranscriptContainsTimestampsAndSenders(t *testing.T) {
	req := sampleRequest(domain.PlanFree)
	transcript := buildTranscript(req)
	for _, fragment := range []string{"[10/05 09:00] Maria: bom dia", "[10/05 09:05] João: bom dia!"} {
		if !strings.Contains(transcript, fragment) {
			t.Fatalf("в расшифровке нет строки %q:\n%s", fragment, transcript)
		}
	}
}

func TestSummarizeEmptyCompletion(t *testing.T) {
	client := &fakeChatClient{reply: "   "}
	s := NewOpenAI(client, "", "", time.Second)

	if _, err := s.Summarize(context.Background(), sampleRequest(domain.PlanFree)); err == nil {
		t.Fatalf("пустой ответ модели должен быть ошибкой")
	}
}

func TestActivityOnlyClause(t *testing.T) {
	req := sampleRequest(domain.PlanFree)
	for i := range req.Lines {
		req.Lines[i].IsText = false
		req.Lines[i].Text = "interação não textual"
	}
	prompt := buildSystemPrompt(req)
	if !strings.Contains(prompt, "interações não textuais") {
		t.Fatalf("для активности без текста ожидали специальную клаузу: %s", prompt)
	}
}
