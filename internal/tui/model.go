package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/service"
	"farmadvisor/internal/summarizer"
)

// AdvisorPort is the TUI-facing subset of the advisor.
type AdvisorPort interface {
	AnswerWithRelated(ctx context.Context, rawQuery, lang string, k int) (domain.QueryResponse, []service.Match, error)
}

// Model is the Bubble Tea model for the interactive advisor.
type Model struct {
	advisor   AdvisorPort
	lang      string
	topK      int
	input     textinput.Model
	viewport  viewport.Model
	answer    *domain.QueryResponse
	related   []service.Match
	summary   string
	status    string
	cursor    int
	ready     bool
	lastQuery string
}

// New creates a new TUI model. summary is shown under the title; lang is the
// language questions are asked in.
func New(advisor AdvisorPort, summary, lang string, topK int) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a farming question and press Enter"
	ti.Focus()
	ti.CharLimit = 500
	vp := viewport.New(0, 0)
	if topK < 1 {
		topK = 4
	}
	return Model{
		advisor:  advisor,
		lang:     lang,
		topK:     topK,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Ready. Up/Down browses related questions, Ctrl+C quits.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header+summary, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.viewport.SetContent(m.render())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" {
				return m, nil
			}
			m.ask(q)
			m.input.SetValue("")
			m.viewport.SetContent(m.render())
			m.viewport.GotoTop()
			return m, nil
		case "down":
			if len(m.related) > 0 {
				m.cursor = (m.cursor + 1) % len(m.related)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		case "up":
			if len(m.related) > 0 {
				m.cursor = (m.cursor - 1 + len(m.related)) % len(m.related)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) ask(q string) {
	ctx := context.Background()
	resp, related, err := m.advisor.AnswerWithRelated(ctx, q, m.lang, m.topK)
	m.answer = &resp
	m.lastQuery = q
	m.cursor = 0

	if err != nil {
		m.related = nil
		m.status = "Related questions unavailable: " + err.Error()
		return
	}
	m.related = related
	if resp.Matched && resp.TopDistance != nil {
		m.status = fmt.Sprintf("Answer for %q (distance %.3f)", q, *resp.TopDistance)
	} else {
		m.status = fmt.Sprintf("No close match for %q", q)
	}
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Farm Advisor")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) render() string {
	if m.answer == nil {
		return "Ask about crop diseases, soil, irrigation, fertilisers or pests."
	}
	var b strings.Builder
	if m.answer.Matched {
		b.WriteString(titleStyle.Render("Advice"))
		b.WriteString("\n")
		b.WriteString(highlightBestSentence(m.answer.AdviceText, m.lastQuery))
	} else {
		b.WriteString(titleStyle.Render("No matching advice"))
		b.WriteString("\n")
		b.WriteString(m.answer.AdviceText)
	}
	if len(m.related) > 0 {
		r := m.related[m.cursor]
		b.WriteString("\n\n")
		b.WriteString(titleStyle.Render(fmt.Sprintf("Related %d/%d  distance=%.3f", m.cursor+1, len(m.related), r.Distance)))
		b.WriteString("\nQ: ")
		b.WriteString(r.Question)
		b.WriteString("\nA: ")
		b.WriteString(r.Summary)
	}
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	titleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
)

// highlightBestSentence emphasises the sentence sharing the most words with
// the query.
func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := summarizer.SplitSentences(text)
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx, bestScore := 0, -1
	for i, s := range sentences {
		if score := tokenOverlapScore(qTokens, s); score > bestScore {
			bestScore, bestIdx = score, i
		}
	}
	out := make([]string, len(sentences))
	for i, s := range sentences {
		if i == bestIdx && bestScore > 0 {
			s = highlightStyle.Render(s)
		}
		out[i] = s
	}
	return strings.Join(out, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	seen := map[string]struct{}{}
	for _, t := range unicodeWordRe.FindAllString(strings.ToLower(sentence), -1) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
