package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/build"
	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/persistence/fileinst"
	"github.com/luomaohao/agentRun/internal/persistence/filerun"
)

const chainFlow = `
workflow:
  name: hello-chain
  version: 1.0.0
  nodes:
    - id: shout
      type: tool
      config:
        tool_id: echo
        params:
          message: hello
    - id: relay
      type: tool
      depends_on: [shout]
      config:
        tool_id: echo
      inputs:
        message: ${nodes.shout.output.message}
`

const orderFlow = `
workflow:
  name: order-flow
  version: 1.0.0
  type: state_machine
  initial_state: pending
  states:
    - name: pending
      transitions:
        - event: payment.confirmed
          target: paid
    - name: paid
      on_enter:
        - type: set_context
          config:
            key: paid
            value: true
      transitions:
        - event: order.shipped
          guard: paid == true
          target: shipped
    - name: shipped
      type: final
`

// setupHome roots config and data under a temp dir for hermetic commands.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGENTRUN_HOME", home)
	return home
}

func writeFlow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// execute runs the CLI against a fresh root command and captures output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := New()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

var executionIDPattern = regexp.MustCompile(`execution ([0-9a-f-]+) (?:started|resumed)`)

// runChain executes the chain workflow and returns the execution ID.
func runChain(t *testing.T) string {
	t.Helper()
	out, err := execute(t, "run", writeFlow(t, chainFlow), "--quiet")
	require.NoError(t, err)
	match := executionIDPattern.FindStringSubmatch(out)
	require.NotNil(t, match, "run output should carry the execution ID: %s", out)
	return match[1]
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, build.Version+"\n", out)
}

func TestValidateCommandAcceptsGoodDefinition(t *testing.T) {
	setupHome(t)

	out, err := execute(t, "validate", writeFlow(t, chainFlow), "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "hello-chain:1.0.0 is valid")
	assert.Contains(t, out, "nodes: 2")
}

func TestValidateCommandListsProblems(t *testing.T) {
	setupHome(t)
	bad := `
workflow:
  name: broken
  version: 1.0.0
  nodes:
    - id: only
      type: tool
      depends_on: [ghost]
      config:
        tool_id: echo
`

	out, err := execute(t, "validate", writeFlow(t, bad), "--quiet")
	require.Error(t, err)
	assert.Contains(t, out, "problem")
	assert.Contains(t, out, "ghost")
}

func TestRunCommandExecutesDefinitionFile(t *testing.T) {
	home := setupHome(t)

	out, err := execute(t, "run", writeFlow(t, chainFlow), "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")

	// The definition was stored as an immutable version.
	assert.FileExists(t, filepath.Join(home, "workflows", "hello-chain", "1.0.0.yaml"))

	// The execution was persisted terminal.
	store, err := filerun.New(filepath.Join(home, "runs"))
	require.NoError(t, err)
	defer store.Close(context.Background())
	execs, err := store.ListByWorkflow(context.Background(), "hello-chain")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, core.Completed, execs[0].Status)
}

func TestRunCommandResolvesStoredWorkflowByName(t *testing.T) {
	setupHome(t)
	runChain(t)

	out, err := execute(t, "run", "hello-chain", "--version", "^1", "--input", `{"note":"second"}`, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "hello-chain:1.0.0")
	assert.Contains(t, out, "completed")
}

func TestRunCommandRejectsUnknownWorkflow(t *testing.T) {
	setupHome(t)

	_, err := execute(t, "run", "ghost", "--quiet")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

func TestRunCommandRejectsConflictingInputFlags(t *testing.T) {
	setupHome(t)

	_, err := execute(t, "run", "whatever", "--input", `{}`, "--input-file", "x.json", "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestStatusCommandShowsLatestExecution(t *testing.T) {
	setupHome(t)
	executionID := runChain(t)

	out, err := execute(t, "status", "hello-chain", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, executionID)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "shout")
	assert.Contains(t, out, "relay")

	byID, err := execute(t, "status", "hello-chain", "--execution-id", executionID, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, byID, executionID)
}

func TestStatusCommandFailsWithoutExecutions(t *testing.T) {
	setupHome(t)

	_, err := execute(t, "status", "hello-chain", "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executions found")
}

func TestEventsCommandPrintsLineage(t *testing.T) {
	setupHome(t)
	executionID := runChain(t)

	out, err := execute(t, "events", executionID, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "execution.created")
	assert.Contains(t, out, "execution.completed")
	assert.Contains(t, out, "node.completed")

	_, err = execute(t, "events", "no-such-execution", "--quiet")
	require.Error(t, err)
}

func TestCancelCommandSettlesSuspendedExecution(t *testing.T) {
	home := setupHome(t)

	id, err := core.NewExecutionID()
	require.NoError(t, err)
	exec := &core.Execution{
		ID:          id,
		Workflow:    "parked",
		Version:     "1.0.0",
		Status:      core.Pending,
		Trigger:     core.TriggerManual,
		SubmittedAt: time.Now(),
	}
	store, err := filerun.New(filepath.Join(home, "runs"))
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), exec))
	require.NoError(t, exec.Transition(core.Running))
	require.NoError(t, store.Update(context.Background(), exec))
	require.NoError(t, exec.Transition(core.Suspended))
	require.NoError(t, store.Update(context.Background(), exec))
	store.Close(context.Background())

	out, err := execute(t, "cancel", id, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	verify, err := filerun.New(filepath.Join(home, "runs"))
	require.NoError(t, err)
	defer verify.Close(context.Background())
	record, err := verify.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.Cancelled, record.Execution.Status)
}

func TestCancelCommandRejectsFinishedExecution(t *testing.T) {
	setupHome(t)
	executionID := runChain(t)

	_, err := execute(t, "cancel", executionID, "--quiet")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrExecutionFinished)
}

func TestResumeCommandRejectsNonSuspendedExecution(t *testing.T) {
	setupHome(t)
	executionID := runChain(t)

	_, err := execute(t, "resume", executionID, "--quiet")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrExecutionNotSuspended)
}

var instanceIDPattern = regexp.MustCompile(`instance ([0-9a-f-]+) started`)

// startOrder creates an order-flow instance and returns its ID.
func startOrder(t *testing.T) string {
	t.Helper()
	out, err := execute(t, "start", writeFlow(t, orderFlow), "--quiet")
	require.NoError(t, err)
	match := instanceIDPattern.FindStringSubmatch(out)
	require.NotNil(t, match, "start output should carry the instance ID: %s", out)
	return match[1]
}

func TestStartCommandCreatesInstance(t *testing.T) {
	home := setupHome(t)

	out, err := execute(t, "start", writeFlow(t, orderFlow), "--context", `{"customer": "c-42"}`, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "state: pending")
	match := instanceIDPattern.FindStringSubmatch(out)
	require.NotNil(t, match, "start output should carry the instance ID: %s", out)

	// The definition was stored as an immutable version.
	assert.FileExists(t, filepath.Join(home, "workflows", "order-flow", "1.0.0.yaml"))

	// The instance was persisted at the initial state with its context.
	store, err := fileinst.New(filepath.Join(home, "instances"))
	require.NoError(t, err)
	inst, err := store.Load(context.Background(), match[1])
	require.NoError(t, err)
	assert.Equal(t, "pending", inst.CurrentState)
	assert.Equal(t, "c-42", inst.Context["customer"])
	assert.False(t, inst.IsFinal)
}

func TestStartCommandRejectsGraphWorkflow(t *testing.T) {
	setupHome(t)

	_, err := execute(t, "start", writeFlow(t, chainFlow), "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no states")
}

func TestSendCommandDrivesInstanceToFinalState(t *testing.T) {
	home := setupHome(t)
	id := startOrder(t)

	out, err := execute(t, "send", id, "payment.confirmed", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "pending → paid")

	// The paid state's entry action set the context key the guard needs.
	out, err = execute(t, "send", id, "order.shipped", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "paid → shipped")
	assert.Contains(t, out, "final state reached")

	store, err := fileinst.New(filepath.Join(home, "instances"))
	require.NoError(t, err)
	inst, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, inst.IsFinal)
	assert.Len(t, inst.History, 2)

	// A finished instance ignores further events.
	_, err = execute(t, "send", id, "order.shipped", "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final state")
}

func TestSendCommandReportsUnhandledEvent(t *testing.T) {
	setupHome(t)
	id := startOrder(t)

	// pending has no order.shipped transition.
	_, err := execute(t, "send", id, "order.shipped", "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not handled")

	// The instance is untouched.
	out, err := execute(t, "instances", "order-flow", "--instance-id", id, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")
}

func TestSendCommandRejectsUnknownInstance(t *testing.T) {
	setupHome(t)

	_, err := execute(t, "send", "no-such-instance", "anything", "--quiet")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)
}

func TestInstancesCommandListsAndInspects(t *testing.T) {
	setupHome(t)
	first := startOrder(t)
	second := startOrder(t)

	out, err := execute(t, "instances", "order-flow", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, first)
	assert.Contains(t, out, second)
	assert.Contains(t, out, "STATE")

	// The detail view shows the transition history.
	_, err = execute(t, "send", first, "payment.confirmed", "--quiet")
	require.NoError(t, err)
	detail, err := execute(t, "instances", "order-flow", "--instance-id", first, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, detail, first)
	assert.Contains(t, detail, "payment.confirmed")
	assert.Contains(t, detail, "paid")

	empty, err := execute(t, "instances", "ghost-flow", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, empty, "no instances found")
}

func TestRunCommandPointsStateMachineAtStart(t *testing.T) {
	setupHome(t)

	_, err := execute(t, "run", writeFlow(t, orderFlow), "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no graph")
}
