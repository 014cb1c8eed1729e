package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// defaultTimeout is used when a request specifies no timeout.
const defaultTimeout = 5 * time.Minute

// CLIConfig parameterizes invocation of one agent CLI tool: binary name,
// how the system/user prompt is passed, per-permission-mode flags, and
// whether the tool can be asked for stream-json output.
type CLIConfig struct {
	Name                 string
	Binary               string
	Subcommand           string
	SystemPromptFlag     string // "" means the system prompt is prepended to the user prompt
	PromptFlag           string // how the combined prompt is passed; "" means positional
	ModelFlag            string
	PermissionModeFlags  map[PermissionMode][]string
	ExtraFlags           []string
	StreamJSONFlag       []string // flags that request stream-json output, empty if unsupported
	StripANSI            bool
}

// CLIRuntime executes an agent CLI tool as a subprocess.
type CLIRuntime struct {
	cfg        CLIConfig
	cmdBuilder func(ctx context.Context, req Request) *exec.Cmd
}

// NewCLIRuntime creates a CLIRuntime from cfg.
func NewCLIRuntime(cfg CLIConfig) *CLIRuntime {
	r := &CLIRuntime{cfg: cfg}
	r.cmdBuilder = r.defaultCmdBuilder
	return r
}

// Name returns the configured runtime name.
func (r *CLIRuntime) Name() string { return r.cfg.Name }

// GetCapabilities reports streaming/model/permission-mode support.
func (r *CLIRuntime) GetCapabilities() Capabilities {
	modes := make([]PermissionMode, 0, len(r.cfg.PermissionModeFlags))
	for m := range r.cfg.PermissionModeFlags {
		modes = append(modes, m)
	}
	return Capabilities{
		SupportsStreaming:     len(r.cfg.StreamJSONFlag) > 0,
		SupportsTokenTracking: len(r.cfg.StreamJSONFlag) > 0,
		PermissionModes:       modes,
	}
}

// Validate checks that the configured binary is resolvable on PATH.
func (r *CLIRuntime) Validate() ValidationResult {
	if _, err := exec.LookPath(r.cfg.Binary); err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("runtime %s: binary %q not found on PATH", r.cfg.Name, r.cfg.Binary)},
		}
	}
	return ValidationResult{Valid: true}
}

// Execute runs the CLI for one request, streaming stdout through
// req.Options.OnOutputUpdate line by line and decoding stream-json events
// when requested. On context deadline exceeded it returns TimeoutError;
// on abort (ctx cancelled via the AbortSignal path) the process group is
// escalated from SIGTERM to SIGKILL after a grace period.
func (r *CLIRuntime) Execute(ctx context.Context, req Request, abort AbortSignal) (Response, error) {
	start := time.Now()

	timeout := defaultTimeout
	if req.Options.TimeoutSeconds > 0 {
		timeout = time.Duration(req.Options.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := r.cmdBuilder(ctx, req)
	setProcGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Response{}, &RuntimeError{Runtime: r.cfg.Name, Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Response{}, &RuntimeError{Runtime: r.cfg.Name, Err: err}
	}

	if abort != nil {
		unregister := abort.Register(func() {
			time.AfterFunc(5*time.Second, func() { killGroup(cmd) })
		})
		defer unregister()
	}

	var out strings.Builder
	usage := &TokenUsage{}
	numTurns := 0
	streaming := len(r.cfg.StreamJSONFlag) > 0

	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	for scanner.Scan() {
		line := scanner.Text()
		if streaming {
			var ev StreamEvent
			if decodeErr := decodeLine(line, &ev); decodeErr == nil {
				consumeEvent(ev, &numTurns, usage)
				if ev.Message != nil {
					for _, block := range ev.Message.Content {
						if block.Type == "text" {
							out.WriteString(block.Text)
							if req.Options.OnOutputUpdate != nil {
								req.Options.OnOutputUpdate(block.Text)
							}
						}
					}
				}
				continue
			}
		}
		out.WriteString(line)
		out.WriteString("\n")
		if req.Options.OnOutputUpdate != nil {
			req.Options.OnOutputUpdate(line)
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Response{}, &TimeoutError{Runtime: r.cfg.Name, Duration: timeout}
		}
		return Response{}, &RuntimeError{Runtime: r.cfg.Name, Err: fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(stderr.String()))}
	}

	text := out.String()
	if r.cfg.StripANSI {
		text = stripANSI(text)
	}

	resp := Response{
		TextOutput:    text,
		ExtractedData: ExtractOutputs(text, req.Options.OutputKeys),
		NumTurns:      numTurns,
		Metadata:      Metadata{Runtime: r.cfg.Name, DurationMS: duration.Milliseconds()},
	}
	if usage.TotalTokens > 0 {
		resp.TokenUsage = usage
	}
	return resp, nil
}

func decodeLine(line string, ev *StreamEvent) error {
	dec := NewStreamDecoder(strings.NewReader(line))
	e, err := dec.Next()
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("empty line")
		}
		return err
	}
	*ev = *e
	return nil
}

func consumeEvent(ev StreamEvent, numTurns *int, usage *TokenUsage) {
	if ev.Type == StreamEventResult {
		if ev.NumTurns > 0 {
			*numTurns = ev.NumTurns
		}
	}
	if ev.Message != nil && ev.Message.Usage != nil {
		accumulateUsage(usage, ev.Message.Usage)
	}
}

func (r *CLIRuntime) defaultCmdBuilder(ctx context.Context, req Request) *exec.Cmd {
	args := r.buildArgs(req)
	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	if cwd, ok := req.Options.RuntimeOptions["cwd"]; ok {
		cmd.Dir = cwd
	}
	return cmd
}

func (r *CLIRuntime) buildArgs(req Request) []string {
	var args []string
	if r.cfg.Subcommand != "" {
		args = append(args, r.cfg.Subcommand)
	}
	if flags, ok := r.cfg.PermissionModeFlags[req.Options.PermissionMode]; ok {
		args = append(args, flags...)
	}
	args = append(args, r.cfg.ExtraFlags...)
	if req.Options.Model != "" && r.cfg.ModelFlag != "" {
		args = append(args, r.cfg.ModelFlag, req.Options.Model)
	}
	if len(r.cfg.StreamJSONFlag) > 0 {
		args = append(args, r.cfg.StreamJSONFlag...)
	}

	prompt := req.UserPrompt
	if r.cfg.SystemPromptFlag != "" {
		args = append(args, r.cfg.SystemPromptFlag, req.SystemPrompt)
	} else if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + req.UserPrompt
	}

	if r.cfg.PromptFlag != "" {
		args = append(args, r.cfg.PromptFlag, prompt)
	} else {
		args = append(args, prompt)
	}
	return args
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
