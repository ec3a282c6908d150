package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/itchyny/gojq"
	"mvdan.cc/sh/v3/shell"

	"github.com/luomaohao/agentRun/internal/core"
)

// RegisterBuiltins adds the stock tools to the registry: http_request,
// transform, command, wait, and echo.
func RegisterBuiltins(reg Registry) error {
	builtins := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				ToolID:      "http_request",
				Name:        "HTTP request",
				Description: "Performs an HTTP request and returns status, headers, and body",
				ParamsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url":     map[string]any{"type": "string"},
						"method":  map[string]any{"type": "string"},
						"headers": map[string]any{"type": "object"},
						"query":   map[string]any{"type": "object"},
						"body":    map[string]any{},
					},
					"required": []string{"url"},
				},
				Permissions: []string{"network"},
			},
			handler: httpRequest,
		},
		{
			def: Definition{
				ToolID:      "transform",
				Name:        "Transform",
				Description: "Applies a jq expression to the input value",
				ParamsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string"},
						"input": map[string]any{},
					},
					"required": []string{"query", "input"},
				},
			},
			handler: transform,
		},
		{
			def: Definition{
				ToolID:      "command",
				Name:        "Command",
				Description: "Runs a local command and captures its output",
				ParamsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{"type": "string"},
						"args":    map[string]any{"type": "array"},
						"dir":     map[string]any{"type": "string"},
						"env":     map[string]any{"type": "object"},
					},
					"required": []string{"command"},
				},
				Permissions: []string{"process"},
			},
			handler: command,
		},
		{
			def: Definition{
				ToolID:      "wait",
				Name:        "Wait",
				Description: "Pauses for the given duration",
				ParamsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"duration": map[string]any{},
					},
					"required": []string{"duration"},
				},
			},
			handler: wait,
		},
		{
			def: Definition{
				ToolID:      "echo",
				Name:        "Echo",
				Description: "Returns its message unchanged",
				ParamsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{},
					},
					"required": []string{"message"},
				},
			},
			handler: echo,
		},
	}

	for _, b := range builtins {
		if err := reg.Register(b.def, b.handler); err != nil {
			return err
		}
	}
	return nil
}

// httpRequest performs the call and reports the status to the caller instead
// of failing on non-2xx, so workflows can branch on status_code. Transport
// failures and timeouts are still errors.
func httpRequest(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	method, _ := params["method"].(string)
	if method == "" {
		method = "GET"
	}

	client := resty.New()
	req := client.R().SetContext(ctx)
	if headers := asStringMap(params["headers"]); len(headers) > 0 {
		req = req.SetHeaders(headers)
	}
	if query := asStringMap(params["query"]); len(query) > 0 {
		req = req.SetQueryParams(query)
	}
	if body, ok := params["body"]; ok && body != nil {
		req = req.SetBody(body)
	}

	rsp, err := req.Execute(strings.ToUpper(method), url)
	if err != nil {
		return nil, err
	}

	var body any
	if err := json.Unmarshal(rsp.Body(), &body); err != nil {
		body = string(rsp.Body())
	}
	return map[string]any{
		"status_code": rsp.StatusCode(),
		"headers":     map[string][]string(rsp.Header()),
		"body":        body,
	}, nil
}

func transform(ctx context.Context, params map[string]any) (map[string]any, error) {
	queryText, _ := params["query"].(string)
	query, err := gojq.Parse(queryText)
	if err != nil {
		return nil, core.NewError(core.ErrKindValidation, "invalid jq query: %v", err)
	}

	var outputs []any
	iter := query.RunWithContext(ctx, params["input"])
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("jq evaluation failed: %w", err)
		}
		outputs = append(outputs, v)
	}

	var result any
	switch len(outputs) {
	case 0:
		result = nil
	case 1:
		result = outputs[0]
	default:
		result = outputs
	}
	return map[string]any{"result": result}, nil
}

func command(ctx context.Context, params map[string]any) (map[string]any, error) {
	commandText, _ := params["command"].(string)
	argv, err := buildArgv(commandText, params["args"])
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // nolint:gosec
	if dir, _ := params["dir"].(string); dir != "" {
		cmd.Dir = dir
	}
	if env := asStringMap(params["env"]); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return nil, core.NewError(core.ErrKindTool,
				"command %s exited with code %d: %s",
				argv[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String())).
				WithSubkind(core.SubkindExecution).Wrap(runErr)
		}
		return nil, runErr
	}
	return map[string]any{
		"exit_code": 0,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}, nil
}

func buildArgv(commandText string, rawArgs any) ([]string, error) {
	if args, ok := rawArgs.([]any); ok && len(args) > 0 {
		argv := make([]string, 0, len(args)+1)
		argv = append(argv, commandText)
		for _, a := range args {
			argv = append(argv, fmt.Sprintf("%v", a))
		}
		return argv, nil
	}
	argv, err := shell.Fields(commandText, nil)
	if err != nil {
		return nil, core.NewError(core.ErrKindValidation, "cannot parse command %q: %v", commandText, err)
	}
	if len(argv) == 0 {
		return nil, core.NewError(core.ErrKindValidation, "command is empty")
	}
	return argv, nil
}

func wait(ctx context.Context, params map[string]any) (map[string]any, error) {
	d, err := parseDuration(params["duration"])
	if err != nil {
		return nil, err
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]any{"waited": d.String()}, nil
}

// parseDuration accepts a Go duration string or a number of seconds.
func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, core.NewError(core.ErrKindValidation, "invalid duration %q: %v", v, err)
		}
		if d < 0 {
			return 0, core.NewError(core.ErrKindValidation, "duration must not be negative")
		}
		return d, nil
	case float64:
		return secondsToDuration(v)
	case int:
		return secondsToDuration(float64(v))
	case int64:
		return secondsToDuration(float64(v))
	default:
		return 0, core.NewError(core.ErrKindValidation, "duration must be a string or a number of seconds")
	}
}

func secondsToDuration(seconds float64) (time.Duration, error) {
	if seconds < 0 {
		return 0, core.NewError(core.ErrKindValidation, "duration must not be negative")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func echo(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"message": params["message"]}, nil
}

func asStringMap(raw any) map[string]string {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
