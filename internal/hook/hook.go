// Package hook defines the conflict-resolution interaction contract
// (spec.md §6.3) and an assisted-merge runner that shells out to a
// configured external command with a bounded timeout, grounded on the
// exec.CommandContext + context timeout idiom the example pack uses for
// git subprocess calls.
package hook

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"tmplforge/internal/migerr"
)

// Resolution is the interaction hook's verdict for one conflicted path.
type Resolution int

const (
	// Keep writes current (no change).
	Keep Resolution = iota
	// TemplateStrict writes target.
	TemplateStrict
	// TemplateForce applies C3's lossy force-apply.
	TemplateForce
	// Assisted writes caller-provided content from an external tool.
	Assisted
)

func (r Resolution) String() string {
	switch r {
	case Keep:
		return "keep"
	case TemplateStrict:
		return "template_strict"
	case TemplateForce:
		return "template_force"
	case Assisted:
		return "assisted"
	default:
		return "unknown"
	}
}

// Request carries everything an interaction hook needs to decide how
// to resolve a three-way conflict on one path.
type Request struct {
	Path         string
	Current      []byte
	Baseline     []byte
	Target       []byte
	TemplateDiff []byte
}

// Decision is an interaction hook's verdict: a Resolution, plus
// AssistedContent when Resolution is Assisted.
type Decision struct {
	Resolution      Resolution
	AssistedContent []byte
}

// Resolver resolves a conflict. Implementations may prompt a user,
// delegate to an LLM merge tool, or apply a fixed policy.
type Resolver interface {
	Resolve(req Request) Decision
}

// KeepResolver always keeps the current working-tree content; it is
// the default used when a caller aborts between migrations (spec.md
// §5: "aborts during the interaction hook default to keep").
type KeepResolver struct{}

func (KeepResolver) Resolve(Request) Decision { return Decision{Resolution: Keep} }

// AssistedMergeTimeout is the default bound on the assisted-merge
// subprocess (spec.md §5).
const AssistedMergeTimeout = 5 * time.Minute

// killGracePeriod is how long a timed-out assisted-merge process has to
// exit after SIGTERM before it is killed.
const killGracePeriod = 5 * time.Second

// SubprocessResolver delegates to an external command (spec.md's
// "third-party LLM merge helper" collaborator, abstracted behind this
// hook). The command receives the conflicted path, baseline, current,
// and target content on argv/stdin and is expected to print merged
// content on stdout. A non-zero exit, timeout, or spawn failure falls
// back to Keep, logged.
type SubprocessResolver struct {
	Command []string
	Timeout time.Duration
	Log     *slog.Logger
}

// NewSubprocessResolver builds a resolver invoking command (argv[0]
// plus args) for each conflict.
func NewSubprocessResolver(command []string, log *slog.Logger) *SubprocessResolver {
	return &SubprocessResolver{Command: command, Timeout: AssistedMergeTimeout, Log: log}
}

// Resolve runs the configured command, piping a simple merge payload
// on stdin and reading merged content from stdout. SIGTERM is sent on
// timeout; the standard library escalates to SIGKILL if the process is
// still running killGracePeriod later (cmd.WaitDelay).
func (r *SubprocessResolver) Resolve(req Request) Decision {
	if len(r.Command) == 0 {
		return Decision{Resolution: Keep}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = AssistedMergeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Command[0], append(append([]string{}, r.Command[1:]...), req.Path)...)
	cmd.Stdin = bytes.NewReader(buildMergePayload(req))
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGracePeriod

	out, err := cmd.Output()
	if err != nil {
		r.Log.Warn("assisted merge failed, keeping current content",
			"path", req.Path, "error", err, "kind", migerr.ErrAssistedMergeFailed)
		return Decision{Resolution: Keep}
	}
	return Decision{Resolution: Assisted, AssistedContent: out}
}

// buildMergePayload renders the three-way inputs into a simple
// delimited stream for the external tool to parse.
func buildMergePayload(req Request) []byte {
	var b bytes.Buffer
	b.WriteString("<<<<<<< baseline\n")
	b.Write(req.Baseline)
	b.WriteString("\n=======\n")
	b.Write(req.Current)
	b.WriteString("\n>>>>>>> current\n")
	b.WriteString("<<<<<<< target\n")
	b.Write(req.Target)
	b.WriteString("\n>>>>>>> target\n")
	b.WriteString("--- diff ---\n")
	b.Write(req.TemplateDiff)
	return b.Bytes()
}
