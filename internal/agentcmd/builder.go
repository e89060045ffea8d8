// Package agentcmd maps a provider, account and phase onto the concrete
// command line, environment and initial stdin for the external agent
// process. Building a command has no side effects; the only filesystem
// knowledge is the deterministic credential directory per account.
package agentcmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/iondrive-co/chad/internal/prompts"
)

// Provider identifies an agent CLI family.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderQwen      Provider = "qwen"
	ProviderMistral   Provider = "mistral"
	ProviderOpencode  Provider = "opencode"
	ProviderKimi      Provider = "kimi"
	ProviderMock      Provider = "mock"
)

// Providers lists every supported provider kind.
func Providers() []Provider {
	return []Provider{
		ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderQwen,
		ProviderMistral, ProviderOpencode, ProviderKimi, ProviderMock,
	}
}

// Valid reports whether p is a known provider kind.
func (p Provider) Valid() bool {
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

// Phase selects the prompt and flags for one run of the agent.
type Phase string

const (
	PhaseExploration  Phase = "exploration"
	PhaseCombined     Phase = "combined"
	PhaseContinuation Phase = "continuation"
	PhaseRevision     Phase = "revision"
	PhaseVerification Phase = "verification"
)

// Request carries everything needed to build one agent invocation.
type Request struct {
	Provider        Provider
	Account         string
	ProjectPath     string // working directory, normally the session worktree
	Phase           Phase
	Task            string
	PriorOutput     string
	Feedback        string // verifier issues for the revision phase
	Handoff         string
	Screenshots     []string
	Model           string
	Reasoning       string
	OverridePrompt  string
	NativeSessionID string // provider-native thread/session id for resume
	MockBinary      string // path to the mock agent, mock provider only
	MockScenario    string
}

// Command is the fully resolved agent invocation.
type Command struct {
	Argv         []string
	Env          []string // additions to the parent environment
	InitialStdin string
	Dir          string
}

// Build composes the prompt for the phase and maps it onto the provider's
// CLI surface.
func Build(req Request, lib *prompts.Library) (*Command, error) {
	if !req.Provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", req.Provider)
	}
	if req.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}

	prompt := req.OverridePrompt
	if prompt == "" {
		var err error
		prompt, err = lib.Render(string(req.Phase), prompts.Data{
			Task:        req.Task,
			PriorOutput: req.PriorOutput,
			Feedback:    req.Feedback,
			Handoff:     req.Handoff,
			Screenshots: req.Screenshots,
		})
		if err != nil {
			return nil, err
		}
	}

	cmd := &Command{Dir: req.ProjectPath}
	// Agents render progress UIs; a capable TERM avoids degraded output.
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	switch req.Provider {
	case ProviderAnthropic:
		cmd.Argv = []string{"claude", "-p", "--verbose",
			"--output-format", "stream-json", "--input-format", "stream-json",
			"--dangerously-skip-permissions"}
		if req.Model != "" {
			cmd.Argv = append(cmd.Argv, "--model", req.Model)
		}
		if req.NativeSessionID != "" {
			cmd.Argv = append(cmd.Argv, "--resume", req.NativeSessionID)
		}
		cmd.Env = append(cmd.Env, "CLAUDE_CONFIG_DIR="+CredentialDir(req.Provider, req.Account))
		cmd.InitialStdin = streamJSONUserMessage(prompt)

	case ProviderOpenAI:
		cmd.Argv = []string{"codex", "exec", "--json",
			"--dangerously-bypass-approvals-and-sandbox", "--skip-git-repo-check"}
		if req.Model != "" {
			cmd.Argv = append(cmd.Argv, "--model", req.Model)
		}
		if req.Reasoning != "" {
			cmd.Argv = append(cmd.Argv, "-c", "model_reasoning_effort="+req.Reasoning)
		}
		if req.NativeSessionID != "" {
			cmd.Argv = append(cmd.Argv, "resume", req.NativeSessionID)
		}
		cmd.Argv = append(cmd.Argv, prompt)
		cmd.Env = append(cmd.Env, "CODEX_HOME="+CredentialDir(req.Provider, req.Account))

	case ProviderGemini:
		cmd.Argv = []string{"gemini", "-y", "--output-format", "stream-json", "-p", prompt}
		if req.Model != "" {
			cmd.Argv = append(cmd.Argv, "-m", req.Model)
		}

	case ProviderQwen:
		cmd.Argv = []string{"qwen", "--yolo", "--output-format", "stream-json", "-p", prompt}
		if req.Model != "" {
			cmd.Argv = append(cmd.Argv, "-m", req.Model)
		}

	case ProviderMistral:
		cmd.Argv = []string{"vibe", "-p", prompt, "--output", "text"}
		if req.Model != "" {
			cmd.Argv = append(cmd.Argv, "--model", req.Model)
		}
		if req.NativeSessionID != "" {
			cmd.Argv = append(cmd.Argv, "--continue")
		}

	case ProviderOpencode:
		cmd.Argv = []string{"opencode", "run", "-q", "-f", "json", prompt}
		if req.Model != "" {
			cmd.Argv = append(cmd.Argv, "--model", req.Model)
		}
		cmd.Env = append(cmd.Env, "XDG_DATA_HOME="+CredentialDir(req.Provider, req.Account))

	case ProviderKimi:
		cmd.Argv = []string{"kimi", "--print", "--output-format", "stream-json"}
		if req.Model != "" {
			cmd.Argv = append(cmd.Argv, "--model", req.Model)
		}
		cmd.Env = append(cmd.Env, "HOME="+CredentialDir(req.Provider, req.Account))
		cmd.InitialStdin = prompt

	case ProviderMock:
		binary := req.MockBinary
		if binary == "" {
			binary = "chad-mock-agent"
		}
		cmd.Argv = []string{binary, "--phase", string(req.Phase)}
		if req.MockScenario != "" {
			cmd.Argv = append(cmd.Argv, "--scenario", req.MockScenario)
		}
		cmd.InitialStdin = prompt
	}

	return cmd, nil
}

// CredentialDir resolves the isolated credential directory for an account.
// Providers without per-account isolation share one directory under the
// user's home.
func CredentialDir(provider Provider, account string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	switch provider {
	case ProviderAnthropic:
		return filepath.Join(home, ".chad", "claude-configs", account)
	case ProviderOpenAI:
		return filepath.Join(home, ".chad", "codex-homes", account)
	case ProviderOpencode:
		return filepath.Join(home, ".chad", "opencode-data", account)
	case ProviderKimi:
		return filepath.Join(home, ".chad", "kimi-homes", account)
	case ProviderGemini:
		return filepath.Join(home, ".gemini")
	case ProviderQwen:
		return filepath.Join(home, ".qwen")
	case ProviderMistral:
		return filepath.Join(home, ".vibe")
	default:
		return ""
	}
}

// InstallHint returns the command a user runs to install the provider CLI.
func InstallHint(provider Provider) string {
	switch provider {
	case ProviderAnthropic:
		return "npm install -g @anthropic-ai/claude-code"
	case ProviderOpenAI:
		return "npm install -g @openai/codex"
	case ProviderGemini:
		return "npm install -g @google/gemini-cli"
	case ProviderQwen:
		return "npm install -g @qwen-code/qwen-code"
	case ProviderMistral:
		return "pip install mistral-vibe"
	case ProviderOpencode:
		return "npm install -g opencode-ai"
	case ProviderKimi:
		return "npm install -g @moonshot-ai/kimi-cli"
	default:
		return ""
	}
}
