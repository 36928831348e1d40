package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-bridge/boundary"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/manifest"
	"github.com/wippyai/wasm-bridge/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	thrownStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB86C"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	err      error
	thrown   error
	rt       *runtime.Runtime
	instance *runtime.Instance
	location string
	result   string
	entries  []manifest.Entry
	inputs   []textinput.Model
	stats    boundary.Stats
	selected int
	focusIdx int
	state    modelState
}

type modelState int

const (
	stateSelectEntry modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(rt *runtime.Runtime, location string) *interactiveModel {
	return &interactiveModel{
		rt:       rt,
		location: location,
		state:    stateSelectEntry,
	}
}

type loadedMsg struct {
	err      error
	instance *runtime.Instance
}

type callResultMsg struct {
	err    error
	thrown error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadGuest
}

func (m *interactiveModel) loadGuest() tea.Msg {
	inst, err := m.rt.Init(context.Background(), runtime.Source{})
	return loadedMsg{err: err, instance: inst}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state == stateInputArgs && msg.String() == "q" {
				break
			}
			if m.instance != nil {
				_ = m.instance.Close(context.Background())
			}
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectEntry && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectEntry && m.selected < len(m.entries)-1 {
				m.selected++
			}

		case "f":
			if m.state == stateSelectEntry && m.instance != nil {
				m.err = m.instance.Flush(context.Background())
				m.stats = m.instance.Stats()
			}

		case "enter":
			switch m.state {
			case stateSelectEntry:
				if len(m.entries) == 0 {
					break
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callEntry
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callEntry

			case stateShowResult:
				m.reset()
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectEntry
				m.inputs = nil
			case stateShowResult:
				m.reset()
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.instance = msg.instance
		man := m.rt.Manifest()
		for _, name := range man.EntryNames() {
			e, _ := man.Entry(name)
			m.entries = append(m.entries, e)
		}
		m.stats = m.instance.Stats()

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.thrown = msg.thrown
		m.state = stateShowResult
		if m.instance != nil {
			m.stats = m.instance.Stats()
		}
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) reset() {
	m.state = stateSelectEntry
	m.result = ""
	m.err = nil
	m.thrown = nil
}

func (m *interactiveModel) prepareInputs() {
	e := m.entries[m.selected]
	m.inputs = make([]textinput.Model, len(e.Params))
	for i, p := range e.Params {
		ti := textinput.New()
		ti.Placeholder = p
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callEntry() tea.Msg {
	e := m.entries[m.selected]
	raw := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		raw[i] = input.Value()
	}
	args, err := parseArgs(e, raw)
	if err != nil {
		return callResultMsg{err: err}
	}

	result, err := m.instance.Call(context.Background(), e.Name, args...)
	var thrown *errors.Thrown
	var guestErr *errors.GuestError
	if stderrors.As(err, &thrown) || stderrors.As(err, &guestErr) {
		return callResultMsg{thrown: err}
	}
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: formatValue(result)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.instance == nil {
		return "Loading guest..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("wasm-bridge"))
	b.WriteString(" ")
	b.WriteString(m.location)
	b.WriteString("\n")
	b.WriteString(m.formatStats())
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectEntry:
		if len(m.entries) == 0 {
			b.WriteString("The manifest declares no entry points.\n")
		} else {
			b.WriteString("Select an entry point to call:\n\n")
		}
		for i, e := range m.entries {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + e.String()))
			} else {
				b.WriteString("  " + formatEntry(e))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • f flush frees • q quit"))

	case stateInputArgs:
		e := m.entries[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(e.Name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(e.Params[i]))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		e := m.entries[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(e.Name)))
		switch {
		case m.err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		case m.thrown != nil:
			b.WriteString(thrownStyle.Render(fmt.Sprintf("Thrown: %v", m.thrown)))
		default:
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatStats() string {
	s := m.stats
	line := fmt.Sprintf("heap: %d live, %d free, %d slots • borrows: %d • closures: %d • pending frees: %d",
		s.Heap.Live, s.Heap.Free, s.Heap.Capacity, s.Heap.BorrowDepth, s.Closures, s.PendingFrees)
	if s.Broken {
		return errorStyle.Render(line + " • BROKEN")
	}
	return statsStyle.Render(line)
}

func formatEntry(e manifest.Entry) string {
	params := make([]string, len(e.Params))
	for i, p := range e.Params {
		params[i] = typeStyle.Render(p)
	}
	out := funcStyle.Render(e.Name) + "(" + strings.Join(params, ", ") + ")"
	if e.Result != "" && e.Result != "none" {
		out += " -> " + typeStyle.Render(e.Result)
	}
	if e.Fallible {
		out += "!"
	}
	return out
}

func runInteractive(rt *runtime.Runtime, location string) error {
	p := tea.NewProgram(newInteractiveModel(rt, location), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
