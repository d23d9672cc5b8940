package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/wwwzy/QueryFit/internal/agent"
	"github.com/wwwzy/QueryFit/internal/database"
	"github.com/wwwzy/QueryFit/internal/graph"
	"github.com/wwwzy/QueryFit/internal/ui"
)

type ChatUI struct{}

func (u *ChatUI) Run(ctx context.Context, backend ui.ChatBackend, opts ui.ChatOptions) error {
	if opts.ThreadID == "" {
		opts.ThreadID = agent.NewThreadID()
	}
	pending, err := backend.Pending(ctx, opts.ThreadID)
	if err != nil {
		return err
	}
	m := newChatModel(ctx, backend, opts)
	if pending != nil {
		m.startConfirmPrompt(pending)
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type entryKind int

const (
	entryUser entryKind = iota
	entryAssistant
	entryResult
	entryNotice
)

type entry struct {
	kind    entryKind
	content string
}

type backendResultMsg struct {
	reply *agent.Reply
	err   error
}

type streamTickMsg struct{}
type cancelMsg struct{}

type chatModel struct {
	ctx     context.Context
	backend ui.ChatBackend
	opts    ui.ChatOptions
	ref     database.Ref

	entries []entry

	width  int
	height int

	viewport   viewport.Model
	input      textinput.Model
	spinner    spinner.Model
	thinking   bool
	followTail bool

	confirm      *agent.ApprovalRequest
	confirmIndex int

	streaming  bool
	streamIdx  int
	streamPos  int
	streamFull string

	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, backend ui.ChatBackend, opts ui.ChatOptions) chatModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot

	ti := textinput.New()
	ti.Placeholder = "用自然语言提问，回车发送；/db <id> 切换数据库"
	ti.Prompt = ""
	ti.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	m := chatModel{
		ctx:        ctx,
		backend:    backend,
		opts:       opts,
		ref:        opts.Database,
		viewport:   vp,
		input:      ti,
		spinner:    s,
		followTail: true,
		streamIdx:  -1,
	}
	if opts.Database.ID != "" {
		m.entries = append(m.entries, entry{kind: entryNotice, content: "数据库: " + opts.Database.String()})
	}
	return m
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitCancel(m.ctx))
}

func waitCancel(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return cancelMsg{}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case cancelMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		inputHeight := 3
		if m.confirm != nil {
			inputHeight = 8
		}
		m.viewport.Width = m.width
		m.viewport.Height = max(1, m.height-inputHeight-2)
		m.input.Width = max(10, m.width-4)

		m.resetMarkdownRenderer()
		m.updateViewportContent(m.renderChat())
		return m, nil

	case spinner.TickMsg:
		if m.thinking {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case backendResultMsg:
		m.thinking = false
		m.followTail = true
		if msg.err != nil {
			m.entries = append(m.entries, entry{kind: entryNotice, content: fmt.Sprintf("发生错误：%v", msg.err)})
			m.updateViewportContent(m.renderChat())
			return m, nil
		}
		if msg.reply.Status == graph.StatusSuspended && msg.reply.Interrupt != nil {
			m.startConfirmPrompt(msg.reply.Interrupt)
			m.updateViewportContent(m.renderChat())
			return m, nil
		}
		m.appendReply(msg.reply)
		m.updateViewportContent(m.renderChat())
		if m.streaming {
			return m, streamTick()
		}
		return m, nil

	case streamTickMsg:
		if !m.streaming {
			return m, nil
		}
		m.streamPos = min(len(m.streamFull), m.streamPos+32)
		if m.streamPos >= len(m.streamFull) {
			m.streaming = false
		}
		m.updateViewportContent(m.renderChat())
		if m.streaming {
			return m, streamTick()
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

		if m.confirm != nil {
			switch msg.String() {
			case "left", "right", "tab", "shift+tab":
				m.confirmIndex = (m.confirmIndex + 1) % 2
				return m, nil
			case "esc":
				return m.answerConfirm(false)
			case "enter":
				return m.answerConfirm(m.confirmIndex == 0)
			}
			return m, nil
		}
		if m.thinking {
			return m, nil
		}

		switch msg.String() {
		case "pgup", "pageup":
			m.viewport.PageUp()
			m.followTail = false
			return m, nil
		case "pgdown", "pagedown":
			m.viewport.PageDown()
			m.followTail = m.viewport.AtBottom()
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if msg.String() != "enter" {
			return m, cmd
		}

		text := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		if text == "" {
			return m, cmd
		}
		switch strings.ToLower(text) {
		case "exit", "quit":
			return m, tea.Quit
		}
		if name, arg, ok := ui.ParseCommand(text); ok {
			if name == "db" && arg != "" {
				m.ref = database.Ref{ID: arg}
				m.entries = append(m.entries, entry{kind: entryNotice, content: "数据库: " + arg})
			} else {
				m.entries = append(m.entries, entry{kind: entryNotice, content: "未知命令，可用: /db <id>"})
			}
			m.updateViewportContent(m.renderChat())
			return m, cmd
		}

		m.entries = append(m.entries, entry{kind: entryUser, content: text})
		m.followTail = true
		m.thinking = true
		m.updateViewportContent(m.renderChat())
		ref := m.ref
		m.ref = database.Ref{}
		return m, tea.Batch(cmd, m.spinner.Tick, askBackend(m.ctx, m.backend, m.opts.ThreadID, ref, text))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) answerConfirm(approved bool) (tea.Model, tea.Cmd) {
	m.confirm = nil
	m.thinking = true
	m.followTail = true
	label := "已拒绝执行"
	if approved {
		label = "已确认执行"
	}
	m.entries = append(m.entries, entry{kind: entryNotice, content: label})
	m.updateViewportContent(m.renderChat())
	return m, tea.Batch(m.spinner.Tick, resumeBackend(m.ctx, m.backend, m.opts.ThreadID, approved))
}

func (m *chatModel) appendReply(reply *agent.Reply) {
	s := reply.State
	if s.Executed && s.SQLQuery != "" {
		var b strings.Builder
		b.WriteString(s.SQLQuery)
		b.WriteString("\n\n")
		ui.WriteResult(&b, s.QueryResult, max(1, m.opts.PreviewRows))
		m.entries = append(m.entries, entry{kind: entryResult, content: strings.TrimRight(b.String(), "\n")})
	}
	if s.Chart != nil {
		m.entries = append(m.entries, entry{kind: entryResult, content: renderChart(s.Chart, m.bubbleMaxContentWidth())})
	}
	content := strings.TrimSpace(reply.Message)
	if content == "" {
		content = "(无最终回复)"
	}
	m.entries = append(m.entries, entry{kind: entryAssistant, content: content})
	m.streaming = true
	m.streamIdx = len(m.entries) - 1
	m.streamFull = content
	m.streamPos = min(len(content), 32)
}

func (m chatModel) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("QueryFit Chat")

	var inputLine string
	if m.confirm != nil {
		inputLine = m.confirmView()
	} else {
		inputLine = m.inputView()
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), inputLine, m.footerView())
}

func (m chatModel) footerView() string {
	left := "Enter 发送 | PgUp/PgDn 滚动 | Ctrl+C 退出"
	right := ""
	if m.confirm != nil {
		right = "Tab/←/→ 切换  Enter 确认  Esc 拒绝"
	} else if m.thinking {
		right = m.spinner.View() + " Thinking..."
	}
	gap := lipgloss.NewStyle().Width(max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)-2)).Render("")
	return lipgloss.NewStyle().Width(m.width).Padding(0, 1).Render(lipgloss.JoinHorizontal(lipgloss.Left, left, gap, right))
}

func (m chatModel) inputView() string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(max(1, m.input.Width+2)).
		Render(m.input.View())
}

func (m *chatModel) startConfirmPrompt(req *agent.ApprovalRequest) {
	m.confirm = req
	m.confirmIndex = 1
}

func (m chatModel) confirmView() string {
	active := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(0, 2).
		Bold(true)
	inactive := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 2)

	yes, no := inactive.Render("执行"), inactive.Render("取消")
	if m.confirmIndex == 0 {
		yes = active.Render("执行")
	} else {
		no = active.Render("取消")
	}

	sql := lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render(m.confirm.SQL)
	body := m.wrapToWidth(m.confirm.Value, m.bubbleMaxContentWidth()) + "\n" +
		m.wrapToWidth(sql, m.bubbleMaxContentWidth()) + "\n\n" +
		lipgloss.JoinHorizontal(lipgloss.Left, yes, " ", no)
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Render(body)
}

func (m *chatModel) updateViewportContent(content string) {
	oldYOffset := m.viewport.YOffset
	m.viewport.SetContent(content)
	if m.followTail {
		m.viewport.GotoBottom()
		return
	}
	m.viewport.SetYOffset(oldYOffset)
}

func askBackend(ctx context.Context, backend ui.ChatBackend, threadID string, ref database.Ref, text string) tea.Cmd {
	return func() tea.Msg {
		reply, err := backend.Ask(ctx, threadID, ref, text)
		return backendResultMsg{reply: reply, err: err}
	}
}

func resumeBackend(ctx context.Context, backend ui.ChatBackend, threadID string, approved bool) tea.Cmd {
	return func() tea.Msg {
		reply, err := backend.Resume(ctx, threadID, agent.ApprovalResponse{ShouldContinue: approved})
		return backendResultMsg{reply: reply, err: err}
	}
}

func streamTick() tea.Cmd {
	return tea.Tick(45*time.Millisecond, func(time.Time) tea.Msg { return streamTickMsg{} })
}

func (m *chatModel) resetMarkdownRenderer() {
	if m.width <= 0 {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.bubbleMaxContentWidth()),
	)
	if err == nil {
		m.renderer = r
	}
}

func (m chatModel) renderChat() string {
	var b strings.Builder
	for i, e := range m.entries {
		content := e.content
		if m.streaming && m.streamIdx == i {
			content = m.streamFull[:m.streamPos]
			if strings.TrimSpace(content) == "" {
				content = "…"
			}
		}
		var line string
		switch e.kind {
		case entryUser:
			line = m.renderUser(content)
		case entryAssistant:
			line = m.renderAssistant(content)
		case entryResult:
			line = m.renderResult(content)
		default:
			line = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true).Render(content)
		}
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m chatModel) bubbleMaxContentWidth() int {
	if m.width <= 0 {
		return 72
	}
	return max(20, m.width-8)
}

func (m chatModel) desiredContentWidth(s string) int {
	return min(m.bubbleMaxContentWidth(), max(10, maxLineWidth(s)))
}

func (m chatModel) wrapToWidth(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func maxLineWidth(s string) int {
	s = strings.TrimRight(s, "\n")
	if strings.TrimSpace(s) == "" {
		return 0
	}
	maxW := 0
	for _, line := range strings.Split(s, "\n") {
		maxW = max(maxW, lipgloss.Width(strings.TrimRight(line, " ")))
	}
	return maxW
}

func (m chatModel) renderAssistant(content string) string {
	md := content
	if m.renderer != nil && strings.TrimSpace(md) != "" {
		if rendered, err := m.renderer.Render(md); err == nil {
			md = strings.TrimRight(rendered, "\n")
		}
	}
	md = m.wrapToWidth(md, m.desiredContentWidth(md))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(md)
}

func (m chatModel) renderUser(content string) string {
	content = m.wrapToWidth(content, m.desiredContentWidth(content))
	bubble := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(content)
	return lipgloss.NewStyle().Width(m.width).Align(lipgloss.Right).Render(bubble)
}

func (m chatModel) renderResult(content string) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Foreground(lipgloss.Color("250")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render("RESULT\n" + content)
}
