package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
)

// SelectOption is one choice of a select prompt.
type SelectOption[T any] struct {
	Label string
	Value T
}

// runWithHelp runs fields as a single-group form with key hints shown.
func runWithHelp(fields ...huh.Field) error {
	return huh.NewForm(huh.NewGroup(fields...)).WithShowHelp(true).Run()
}

// promptString asks for text. An empty answer returns defaultVal, which is
// shown as the placeholder.
func promptString(title, description, defaultVal string) (string, error) {
	var value string
	inp := huh.NewInput().Title(title).Value(&value)
	if description != "" {
		inp = inp.Description(description)
	}
	if defaultVal != "" {
		inp = inp.Placeholder(defaultVal)
	}
	if err := runWithHelp(inp); err != nil {
		return "", err
	}
	if value == "" {
		return defaultVal, nil
	}
	return value, nil
}

// promptPassword asks for a secret with hidden echo. An empty answer keeps current.
func promptPassword(title, description, current string) (string, error) {
	var value string
	inp := huh.NewInput().Title(title).EchoMode(huh.EchoModePassword).Value(&value)
	if description != "" {
		inp = inp.Description(description)
	}
	if current != "" {
		inp = inp.Placeholder("(unchanged)")
	}
	if err := runWithHelp(inp); err != nil {
		return "", err
	}
	if value == "" {
		return current, nil
	}
	return value, nil
}

// promptInt asks for an integer in [min, max].
func promptInt(title, description string, defaultVal, min, max int) (int, error) {
	value := strconv.Itoa(defaultVal)
	inp := huh.NewInput().
		Title(title).
		Value(&value).
		Validate(func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("enter a whole number")
			}
			if n < min || n > max {
				return fmt.Errorf("must be between %d and %d", min, max)
			}
			return nil
		})
	if description != "" {
		inp = inp.Description(description)
	}
	if err := runWithHelp(inp); err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

// promptSelect shows a single-select list with options[defaultIdx] preselected.
func promptSelect[T comparable](title string, options []SelectOption[T], defaultIdx int) (T, error) {
	var value T
	opts := make([]huh.Option[T], len(options))
	for i, opt := range options {
		opts[i] = huh.NewOption(opt.Label, opt.Value)
	}
	if defaultIdx >= 0 && defaultIdx < len(options) {
		opts[defaultIdx] = opts[defaultIdx].Selected(true)
	}

	sel := huh.NewSelect[T]().Title(title).Options(opts...).Value(&value)
	if err := runWithHelp(sel); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// promptConfirm asks a yes/no question.
func promptConfirm(title string, defaultYes bool) (bool, error) {
	value := defaultYes
	c := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&value)
	if err := runWithHelp(c); err != nil {
		return false, err
	}
	return value, nil
}
