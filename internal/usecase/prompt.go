package usecase

import (
	"fmt"
	"strings"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
)

const onDeviceSystemPrompt = "You are PagePilot, a concise browser assistant. " +
	"Answer briefly in the user's language. " +
	"Call current_page to read the open page and open_url to visit a link."

const cloudSystemPrompt = "You are PagePilot, a browser assistant that helps the user understand and navigate web pages. " +
	"Answer in the user's language and ground your answers in the page content below. " +
	"Use the current_page tool to re-read the open page and the open_url tool to visit links when the answer is not on this page. " +
	"Say so plainly when the page does not contain the answer."

// PromptAssembler turns page context and conversation history into the
// message list sent to a provider. On-device models get a short prompt
// with a small excerpt and a fixed history window; cloud models get a rich
// system message and a token-budgeted history.
type PromptAssembler struct {
	cfg     config.PromptConfig
	counter TokenCounter
}

// NewPromptAssembler creates an assembler. A nil counter uses EstimateCounter.
func NewPromptAssembler(cfg config.PromptConfig, counter TokenCounter) *PromptAssembler {
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &PromptAssembler{cfg: cfg, counter: counter}
}

// Build assembles the prompt for kind. page may be nil.
func (a *PromptAssembler) Build(kind domain.ProviderKind, page *domain.PageContext, history []domain.ConversationMessage) []domain.Message {
	msgs := chatHistory(history)
	if kind == domain.ProviderOnDevice {
		return a.buildOnDevice(page, msgs)
	}
	return a.buildCloud(page, msgs)
}

func (a *PromptAssembler) buildOnDevice(page *domain.PageContext, history []domain.Message) []domain.Message {
	out := []domain.Message{{Role: domain.RoleSystem, Content: onDeviceSystemPrompt}}
	if page != nil {
		out = append(out, domain.Message{
			Role: domain.RoleUser,
			Content: fmt.Sprintf("Current page:\nURL: %s\nTitle: %s\nExcerpt: %s",
				page.URL, page.Title, domain.Excerpt(page.TextExcerpt, a.cfg.OnDeviceExcerpt)),
		})
	}
	if n := a.cfg.OnDeviceHistory; len(history) > n {
		history = history[len(history)-n:]
	}
	return append(out, history...)
}

func (a *PromptAssembler) buildCloud(page *domain.PageContext, history []domain.Message) []domain.Message {
	var sb strings.Builder
	sb.WriteString(cloudSystemPrompt)
	if page != nil {
		fmt.Fprintf(&sb, "\n\n## Current page\nURL: %s\nTitle: %s\n\n%s",
			page.URL, page.Title, domain.Excerpt(page.TextExcerpt, a.cfg.CloudExcerpt))
	} else {
		sb.WriteString("\n\nNo page is open.")
	}
	system := domain.Message{Role: domain.RoleSystem, Content: sb.String()}
	return append([]domain.Message{system}, a.clip(system, history)...)
}

// clip keeps the newest messages that fit in the history budget alongside
// the system message. The newest message is always kept.
func (a *PromptAssembler) clip(system domain.Message, history []domain.Message) []domain.Message {
	if len(history) == 0 {
		return nil
	}
	used := a.counter.Count(system.Content) + messageOverhead
	start := len(history) - 1
	used += a.counter.Count(history[start].Content) + messageOverhead
	for start > 0 {
		cost := a.counter.Count(history[start-1].Content) + messageOverhead
		if used+cost > a.cfg.HistoryTokens {
			break
		}
		used += cost
		start--
	}
	return history[start:]
}

// chatHistory converts the log to provider messages, skipping pairing
// prompts, rich content and empty text.
func chatHistory(log []domain.ConversationMessage) []domain.Message {
	out := make([]domain.Message, 0, len(log))
	for _, m := range log {
		if m.Kind != domain.KindChat || m.Content.IsParts() {
			continue
		}
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		text := m.Content.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, domain.Message{Role: m.Role, Content: text, Timestamp: m.CreatedAt})
	}
	return out
}
