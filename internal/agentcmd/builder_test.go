package agentcmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iondrive-co/chad/internal/prompts"
)

func testLibrary(t *testing.T) *prompts.Library {
	t.Helper()
	lib, err := prompts.Load("", nil)
	require.NoError(t, err)
	return lib
}

func TestBuild_Anthropic(t *testing.T) {
	cmd, err := Build(Request{
		Provider:    ProviderAnthropic,
		Account:     "work",
		ProjectPath: "/tmp/proj",
		Phase:       PhaseCombined,
		Task:        "do the thing",
		Model:       "claude-opus",
	}, testLibrary(t))
	require.NoError(t, err)

	assert.Equal(t, "claude", cmd.Argv[0])
	assert.Contains(t, cmd.Argv, "--dangerously-skip-permissions")
	assert.Contains(t, cmd.Argv, "--model")
	assert.Contains(t, cmd.Argv, "claude-opus")
	assert.Equal(t, "/tmp/proj", cmd.Dir)

	home, _ := os.UserHomeDir()
	assert.Contains(t, cmd.Env, "CLAUDE_CONFIG_DIR="+filepath.Join(home, ".chad", "claude-configs", "work"))

	// Prompt rides in on stdin as one stream-json line.
	assert.Contains(t, cmd.InitialStdin, `"type":"user"`)
	assert.Contains(t, cmd.InitialStdin, "do the thing")
	assert.True(t, strings.HasSuffix(cmd.InitialStdin, "\n"))
}

func TestBuild_OpenAI(t *testing.T) {
	cmd, err := Build(Request{
		Provider:        ProviderOpenAI,
		Account:         "acct2",
		ProjectPath:     "/tmp/proj",
		Phase:           PhaseCombined,
		Task:            "task text",
		Reasoning:       "high",
		NativeSessionID: "thread-9",
	}, testLibrary(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"codex", "exec"}, cmd.Argv[:2])
	assert.Contains(t, cmd.Argv, "--json")
	assert.Contains(t, cmd.Argv, "model_reasoning_effort=high")
	assert.Contains(t, cmd.Argv, "thread-9")
	// Prompt is an argv element, not stdin.
	assert.Empty(t, cmd.InitialStdin)
	assert.Contains(t, strings.Join(cmd.Argv, " "), "task text")

	home, _ := os.UserHomeDir()
	assert.Contains(t, cmd.Env, "CODEX_HOME="+filepath.Join(home, ".chad", "codex-homes", "acct2"))
}

func TestBuild_SharedCredentialProviders(t *testing.T) {
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".gemini"), CredentialDir(ProviderGemini, "any"))
	assert.Equal(t, filepath.Join(home, ".qwen"), CredentialDir(ProviderQwen, "any"))
	assert.Equal(t, filepath.Join(home, ".vibe"), CredentialDir(ProviderMistral, "any"))
}

func TestBuild_KimiIsolatesHome(t *testing.T) {
	cmd, err := Build(Request{
		Provider:    ProviderKimi,
		Account:     "k1",
		ProjectPath: "/tmp/proj",
		Phase:       PhaseCombined,
		Task:        "t",
	}, testLibrary(t))
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Contains(t, cmd.Env, "HOME="+filepath.Join(home, ".chad", "kimi-homes", "k1"))
	assert.NotEmpty(t, cmd.InitialStdin)
}

func TestBuild_OverridePromptWins(t *testing.T) {
	cmd, err := Build(Request{
		Provider:       ProviderQwen,
		ProjectPath:    "/tmp/proj",
		Phase:          PhaseCombined,
		Task:           "ignored",
		OverridePrompt: "use exactly this",
	}, testLibrary(t))
	require.NoError(t, err)
	assert.Contains(t, cmd.Argv, "use exactly this")
}

func TestBuild_Mock(t *testing.T) {
	cmd, err := Build(Request{
		Provider:     ProviderMock,
		ProjectPath:  "/tmp/proj",
		Phase:        PhaseVerification,
		Task:         "t",
		MockBinary:   "/usr/local/bin/chad-mock-agent",
		MockScenario: "quota",
	}, testLibrary(t))
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/chad-mock-agent", cmd.Argv[0])
	assert.Contains(t, cmd.Argv, "verification")
	assert.Contains(t, cmd.Argv, "quota")
}

func TestBuild_UnknownProvider(t *testing.T) {
	_, err := Build(Request{Provider: "frontier", ProjectPath: "/tmp"}, testLibrary(t))
	require.Error(t, err)
}

func TestBuild_AllPhasesRender(t *testing.T) {
	lib := testLibrary(t)
	for _, phase := range []Phase{PhaseExploration, PhaseCombined, PhaseContinuation, PhaseRevision, PhaseVerification} {
		cmd, err := Build(Request{
			Provider:    ProviderAnthropic,
			Account:     "a",
			ProjectPath: "/tmp/proj",
			Phase:       phase,
			Task:        "t",
			PriorOutput: "prior",
			Feedback:    "issues",
		}, lib)
		require.NoError(t, err, "phase %s", phase)
		assert.NotEmpty(t, cmd.InitialStdin)
	}
}

func TestInstallHint(t *testing.T) {
	for _, p := range Providers() {
		if p == ProviderMock {
			assert.Empty(t, InstallHint(p))
			continue
		}
		assert.NotEmpty(t, InstallHint(p), "provider %s", p)
	}
}
