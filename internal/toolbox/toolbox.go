// Package toolbox holds the arithmetic, text statistics and temperature
// functions served by the built-in tool server. Everything here is pure;
// the server layer turns results and errors into tool output text.
package toolbox

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Operations accepted by [Calculate].
var Operations = []string{"add", "subtract", "multiply", "divide"}

// Units accepted by [ConvertTemperature].
var Units = []string{"celsius", "fahrenheit", "kelvin"}

// ErrDivisionByZero is returned by [Calculate] for "divide" with b == 0.
var ErrDivisionByZero = errors.New("Division by zero")

// UnknownOperationError names an operation [Calculate] does not support.
type UnknownOperationError struct {
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("Unknown operation '%s'. Use: %s", e.Operation, strings.Join(Operations, ", "))
}

// UnknownUnitError names a temperature unit that is not supported.
type UnknownUnitError struct {
	Unit string
}

func (e *UnknownUnitError) Error() string {
	return fmt.Sprintf("Unknown unit '%s'. Use: %s", e.Unit, strings.Join(Units, ", "))
}

// Calculate applies a basic arithmetic operation.
func Calculate(operation string, a, b float64) (float64, error) {
	switch operation {
	case "add":
		return a + b, nil
	case "subtract":
		return a - b, nil
	case "multiply":
		return a * b, nil
	case "divide":
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	default:
		return 0, &UnknownOperationError{Operation: operation}
	}
}

// FormatCalculation renders a result as "Result: 12 multiply 5 = 60".
func FormatCalculation(operation string, a, b, result float64) string {
	return fmt.Sprintf("Result: %s %s %s = %s", formatNumber(a), operation, formatNumber(b), formatNumber(result))
}

// TextStats are simple statistics about a piece of text.
type TextStats struct {
	Characters        int
	Words             int
	Sentences         int
	AverageWordLength float64
}

// AnalyzeText counts characters (runes), whitespace-separated words and
// sentence terminators. AverageWordLength is Characters/Words, or 0
// when there are no words.
func AnalyzeText(text string) TextStats {
	stats := TextStats{
		Characters: utf8.RuneCountInString(text),
		Words:      len(strings.Fields(text)),
		Sentences:  strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?"),
	}
	if stats.Words > 0 {
		stats.AverageWordLength = float64(stats.Characters) / float64(stats.Words)
	}
	return stats
}

func (s TextStats) String() string {
	return fmt.Sprintf("Text Analysis:\n- Characters: %d\n- Words: %d\n- Sentences: %d\n- Average word length: %.2f",
		s.Characters, s.Words, s.Sentences, s.AverageWordLength)
}

// ConvertTemperature converts between celsius, fahrenheit and kelvin.
// Unit names are case-insensitive.
func ConvertTemperature(value float64, from, to string) (float64, error) {
	var celsius float64
	switch strings.ToLower(from) {
	case "celsius":
		celsius = value
	case "fahrenheit":
		celsius = (value - 32) * 5 / 9
	case "kelvin":
		celsius = value - 273.15
	default:
		return 0, &UnknownUnitError{Unit: strings.ToLower(from)}
	}

	switch strings.ToLower(to) {
	case "celsius":
		return celsius, nil
	case "fahrenheit":
		return celsius*9/5 + 32, nil
	case "kelvin":
		return celsius + 273.15, nil
	default:
		return 0, &UnknownUnitError{Unit: strings.ToLower(to)}
	}
}

// FormatConversion renders a conversion as "0°C = 273.15°K", with the
// result rounded to two decimals.
func FormatConversion(value float64, from, to string, result float64) string {
	return fmt.Sprintf("%s°%s = %.2f°%s", formatNumber(value), unitSymbol(from), result, unitSymbol(to))
}

func unitSymbol(unit string) string {
	if unit == "" {
		return ""
	}
	return strings.ToUpper(unit[:1])
}

// formatNumber prints integral values without a fraction ("60", not "60.0").
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
