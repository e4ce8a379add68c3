package tui

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StatsModel is a Bubble Tea model for stats views: the first integer
// fields are shown as a row of stat boxes, and every field (integers
// included) is also listed as a labeled line.
type StatsModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	title := TitleStyle.Render(titleFor(m.viewType))
	boxes := m.renderStatBoxes()
	rest := renderFields(m.data)
	help := HelpStyle.Render("q: quit")

	sections := []string{title}
	if boxes != "" {
		sections = append(sections, boxes)
	}
	sections = append(sections, BoxStyle.Render(rest), help)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderStatBoxes renders the first four integer fields of the stats
// struct as a single horizontal row of boxes; later integer fields get
// no box.
func (m StatsModel) renderStatBoxes() string {
	v := reflect.ValueOf(m.data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}

	var boxes []string
	t := v.Type()
	for i := 0; i < v.NumField() && len(boxes) < 4; i++ {
		f := v.Field(i)
		switch f.Kind() {
		case reflect.Int, reflect.Int64:
			label := StatLabelStyle.Render(strings.ToUpper(t.Field(i).Name))
			value := StatValueStyle.Render(fmt.Sprintf("%d", f.Int()))
			boxes = append(boxes, StatBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Center, value, label)))
		}
	}
	if len(boxes) == 0 {
		return ""
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

// RunStatsTUI runs the stats TUI for the given view type.
func RunStatsTUI(viewType string, data any) error {
	p := tea.NewProgram(NewStatsModel(viewType, data), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
