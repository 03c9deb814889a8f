// Package toolserver serves the toolbox functions as MCP tools:
// calculator, text_analyzer and temperature_converter. The same server
// runs as a standalone stdio process or in-process behind a pipe.
package toolserver

import (
	"context"
	"errors"
	"io"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/mcprelay/internal/buildinfo"
	"github.com/nugget/mcprelay/internal/toolbox"
)

// ServerName is reported as serverInfo.name during the handshake.
const ServerName = "mcprelay-tools"

// CalculatorInput is the argument shape of the calculator tool.
type CalculatorInput struct {
	Operation string  `json:"operation" jsonschema:"The arithmetic operation to perform (add, subtract, multiply, divide)"`
	A         float64 `json:"a" jsonschema:"First number"`
	B         float64 `json:"b" jsonschema:"Second number"`
}

// TextAnalyzerInput is the argument shape of the text_analyzer tool.
type TextAnalyzerInput struct {
	Text string `json:"text" jsonschema:"The text to analyze"`
}

// TemperatureInput is the argument shape of the temperature_converter tool.
type TemperatureInput struct {
	Value    float64 `json:"value" jsonschema:"Temperature value to convert"`
	FromUnit string  `json:"from_unit" jsonschema:"Source temperature unit (celsius, fahrenheit, kelvin)"`
	ToUnit   string  `json:"to_unit" jsonschema:"Target temperature unit (celsius, fahrenheit, kelvin)"`
}

// New builds an MCP server with the toolbox tools registered.
func New(logger *slog.Logger) *mcpsdk.Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "toolserver")

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    ServerName,
		Version: buildinfo.Version,
	}, &mcpsdk.ServerOptions{Logger: logger})

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "calculator",
		Description: "Performs basic arithmetic operations: add, subtract, multiply, divide.",
	}, calculator(logger))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "text_analyzer",
		Description: "Analyzes text and returns character, word and sentence counts and the average word length.",
	}, textAnalyzer(logger))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "temperature_converter",
		Description: "Converts temperature between Celsius, Fahrenheit, and Kelvin.",
	}, temperatureConverter(logger))

	return server
}

func calculator(logger *slog.Logger) mcpsdk.ToolHandlerFor[CalculatorInput, any] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in CalculatorInput) (*mcpsdk.CallToolResult, any, error) {
		result, err := toolbox.Calculate(in.Operation, in.A, in.B)
		if err != nil {
			logger.Debug("calculator rejected input", "operation", in.Operation, "error", err)
			return errorResult(err), nil, nil
		}
		return textResult(toolbox.FormatCalculation(in.Operation, in.A, in.B, result)), nil, nil
	}
}

func textAnalyzer(logger *slog.Logger) mcpsdk.ToolHandlerFor[TextAnalyzerInput, any] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in TextAnalyzerInput) (*mcpsdk.CallToolResult, any, error) {
		stats := toolbox.AnalyzeText(in.Text)
		logger.Debug("text analyzed", "characters", stats.Characters, "words", stats.Words)
		return textResult(stats.String()), nil, nil
	}
}

func temperatureConverter(logger *slog.Logger) mcpsdk.ToolHandlerFor[TemperatureInput, any] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in TemperatureInput) (*mcpsdk.CallToolResult, any, error) {
		result, err := toolbox.ConvertTemperature(in.Value, in.FromUnit, in.ToUnit)
		if err != nil {
			logger.Debug("temperature_converter rejected input", "from", in.FromUnit, "to", in.ToUnit, "error", err)
			return errorResult(err), nil, nil
		}
		return textResult(toolbox.FormatConversion(in.Value, in.FromUnit, in.ToUnit, result)), nil, nil
	}
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}

func errorResult(err error) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "Error: " + err.Error()}},
		IsError: true,
	}
}

// Serve runs a new server over r and w until the client hangs up or ctx
// ends. A client hangup is a clean stop and returns nil.
func Serve(ctx context.Context, r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) error {
	err := New(logger).Run(ctx, &mcpsdk.IOTransport{Reader: r, Writer: w})
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ServeFunc adapts [Serve] to the in-process pipe transport's signature.
func ServeFunc(logger *slog.Logger) func(ctx context.Context, r io.ReadCloser, w io.WriteCloser) error {
	return func(ctx context.Context, r io.ReadCloser, w io.WriteCloser) error {
		return Serve(ctx, r, w, logger)
	}
}

// RunStdio serves on the process's stdin and stdout.
func RunStdio(ctx context.Context, logger *slog.Logger) error {
	err := New(logger).Run(ctx, &mcpsdk.StdioTransport{})
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
