package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/devle/internal/sandbox"
	"github.com/mattjoyce/devle/internal/step"
)

const (
	ToolTerminal            = "terminal"
	ToolCreateOrUpdateFiles = "createOrUpdateFiles"
	ToolReadFiles           = "readFiles"
)

const (
	descTerminal            = "Use the terminal to run commands"
	descCreateOrUpdateFiles = "Create or update files in the sandbox"
	descReadFiles           = "Read files from the sandbox"
)

type TerminalReq struct {
	Command string `json:"command" jsonschema:"description=the shell command to run in the sandbox"`
}

type FileEntry struct {
	Path    string `json:"path" jsonschema:"description=file path relative to the app root"`
	Content string `json:"content" jsonschema:"description=full file content"`
}

// ReadResult is one entry of a readFiles answer.
type ReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

type WriteFilesReq struct {
	Files []FileEntry `json:"files" jsonschema:"description=files to create or overwrite"`
}

type ReadFilesReq struct {
	Files []string `json:"files" jsonschema:"description=paths of the files to read"`
}

// ProtocolError is a tool call the model got wrong: an unknown tool or bad
// arguments. It is reported back to the model instead of failing the run.
type ProtocolError struct {
	Tool string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Toolbox binds the agent tools to one run and one sandbox.
type Toolbox struct {
	run       *step.Run
	gateway   sandbox.Gateway
	sandboxID string
	state     *State

	tools map[string]tool.InvokableTool
	order []string

	// failure holds the step error of the call in flight; it ends the run.
	failure error
}

func NewToolbox(run *step.Run, gateway sandbox.Gateway, sandboxID string, state *State) (*Toolbox, error) {
	tb := &Toolbox{
		run:       run,
		gateway:   gateway,
		sandboxID: sandboxID,
		state:     state,
		tools:     make(map[string]tool.InvokableTool),
	}

	raw := utils.WithMarshalOutput(func(_ context.Context, output interface{}) (string, error) {
		s, _ := output.(string)
		return s, nil
	})

	tt, err := utils.InferTool(ToolTerminal, descTerminal, tb.Terminal, raw)
	if err != nil {
		return nil, fmt.Errorf("build %s tool: %w", ToolTerminal, err)
	}
	tb.add(ToolTerminal, tt)

	tt, err = utils.InferTool(ToolCreateOrUpdateFiles, descCreateOrUpdateFiles, tb.CreateOrUpdateFiles, raw)
	if err != nil {
		return nil, fmt.Errorf("build %s tool: %w", ToolCreateOrUpdateFiles, err)
	}
	tb.add(ToolCreateOrUpdateFiles, tt)

	tt, err = utils.InferTool(ToolReadFiles, descReadFiles, tb.ReadFiles, raw)
	if err != nil {
		return nil, fmt.Errorf("build %s tool: %w", ToolReadFiles, err)
	}
	tb.add(ToolReadFiles, tt)

	return tb, nil
}

func (tb *Toolbox) add(name string, t tool.InvokableTool) {
	tb.tools[name] = t
	tb.order = append(tb.order, name)
}

// Infos returns the tool descriptions handed to the model.
func (tb *Toolbox) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(tb.order))
	for _, name := range tb.order {
		info, err := tb.tools[name].Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe tool %s: %w", name, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Invoke runs one tool call. Mistakes in the call come back as
// *ProtocolError; anything else is fatal for the run.
func (tb *Toolbox) Invoke(ctx context.Context, call schema.ToolCall) (string, error) {
	name := call.Function.Name
	t, ok := tb.tools[name]
	if !ok {
		return "", &ProtocolError{Tool: name, Err: errors.New("unknown tool")}
	}
	args := call.Function.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return "", &ProtocolError{Tool: name, Err: errors.New("arguments are not valid JSON")}
	}

	tb.failure = nil
	out, err := t.InvokableRun(ctx, args)
	if err != nil {
		if tb.failure != nil {
			return "", tb.failure
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ProtocolError{Tool: name, Err: err}
	}
	return out, nil
}

func (tb *Toolbox) fail(err error) error {
	tb.failure = err
	return err
}

// Terminal runs a command in the sandbox and returns its stdout. A failing
// command also reports stderr and the exit code so the model can react.
func (tb *Toolbox) Terminal(ctx context.Context, req TerminalReq) (string, error) {
	if strings.TrimSpace(req.Command) == "" {
		return "", errors.New("command is required")
	}
	res, err := step.Do(ctx, tb.run, ToolTerminal, func(ctx context.Context) (sandbox.ExecResult, error) {
		return tb.gateway.Exec(ctx, tb.sandboxID, req.Command)
	})
	if err != nil {
		return "", tb.fail(err)
	}
	if res.ExitCode == 0 {
		return res.Stdout, nil
	}
	return fmt.Sprintf("%s\nstderr:\n%s\nexit code: %d", res.Stdout, res.Stderr, res.ExitCode), nil
}

// CreateOrUpdateFiles writes files to the sandbox and merges them into the
// network state.
func (tb *Toolbox) CreateOrUpdateFiles(ctx context.Context, req WriteFilesReq) (string, error) {
	if len(req.Files) == 0 {
		return "", errors.New("files is required")
	}
	for _, f := range req.Files {
		if strings.TrimSpace(f.Path) == "" {
			return "", errors.New("every file needs a path")
		}
	}
	written, err := step.Do(ctx, tb.run, ToolCreateOrUpdateFiles, func(ctx context.Context) (map[string]string, error) {
		out := make(map[string]string, len(req.Files))
		for _, f := range req.Files {
			if err := tb.gateway.WriteFile(ctx, tb.sandboxID, f.Path, []byte(f.Content)); err != nil {
				return nil, err
			}
			out[f.Path] = f.Content
		}
		return out, nil
	})
	if err != nil {
		return "", tb.fail(err)
	}
	tb.state.MergeFiles(written)

	paths := make([]string, 0, len(written))
	for p := range written {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return "Updated files: " + strings.Join(paths, ", "), nil
}

// ReadFiles returns the content of each requested file as JSON. A file that
// cannot be read is reported in its entry; losing the sandbox fails the step.
func (tb *Toolbox) ReadFiles(ctx context.Context, req ReadFilesReq) (string, error) {
	if len(req.Files) == 0 {
		return "", errors.New("files is required")
	}
	entries, err := step.Do(ctx, tb.run, ToolReadFiles, func(ctx context.Context) ([]ReadResult, error) {
		out := make([]ReadResult, 0, len(req.Files))
		for _, p := range req.Files {
			b, err := tb.gateway.ReadFile(ctx, tb.sandboxID, p)
			switch {
			case errors.Is(err, sandbox.ErrUnavailable):
				return nil, err
			case err != nil:
				out = append(out, ReadResult{Path: p, Error: err.Error()})
			default:
				out = append(out, ReadResult{Path: p, Content: string(b)})
			}
		}
		return out, nil
	})
	if err != nil {
		return "", tb.fail(err)
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", tb.fail(err)
	}
	return string(b), nil
}
