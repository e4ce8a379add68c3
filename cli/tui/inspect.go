package tui

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// InspectModel is a Bubble Tea model for inspect views: a single
// entity rendered as a labeled field box.
type InspectModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	title := TitleStyle.Render(titleFor(m.viewType))
	body := BoxStyle.Render(renderFields(m.data))
	help := HelpStyle.Render("q: quit")

	return lipgloss.JoinVertical(lipgloss.Left, title, body, help)
}

// titleFor maps a view type to its display title.
func titleFor(viewType string) string {
	switch viewType {
	case "inspect_warrant":
		return "Warrant"
	case "inspect_file":
		return "Cache File"
	case "stats_cache":
		return "Cache Statistics"
	case "stats_ledger":
		return "Ledger Statistics"
	default:
		return viewType
	}
}

// renderFields flattens a struct (or pointer to one) into label/value
// lines using json tag names, the same field names the non-TUI
// renderers show.
func renderFields(data any) string {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "(no data)"
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Sprintf("%v", data)
	}

	var lines []string
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		name := t.Field(i).Name
		if tag := t.Field(i).Tag.Get("json"); tag != "" {
			if comma := strings.Index(tag, ","); comma >= 0 {
				tag = tag[:comma]
			}
			if tag != "" && tag != "-" {
				name = tag
			}
		}
		value := formatFieldValue(v.Field(i))
		lines = append(lines, LabelStyle.Render(name)+ValueStyle.Render(value))
	}
	return strings.Join(lines, "\n")
}

func formatFieldValue(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	case reflect.Bool:
		if v.Bool() {
			return SuccessStyle.Render("true")
		}
		return ErrorStyle.Render("false")
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// RunInspectTUI runs the inspect TUI for the given view type.
func RunInspectTUI(viewType string, data any) error {
	p := tea.NewProgram(NewInspectModel(viewType, data), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
