package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/app"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain/chaintest"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/execid"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
)

const pingABI = `[{"type":"function","name":"ping","stateMutability":"nonpayable","inputs":[{"name":"n","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}]`

var (
	provider = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	target   = common.HexToAddress("0x0000000000000000000000000000000000000c03")
	now      = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
)

func execute(t *testing.T, args []string, opts ...app.Option) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand(opts...)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// writeConfig writes a config with a sqlite ledger so state survives
// between commands.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := `
logging:
  level: error
  console: false
storage:
  driver: sqlite
  path: "` + filepath.Join(dir, "ledger.db") + `"
scheduler:
  confirm_timeout: 2s
reconcile:
  enabled: false
contracts:
  - name: pinger
    address: "` + target.Hex() + `"
    abi: '` + pingABI + `'
`
	path := filepath.Join(dir, "rifsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newFake() *chaintest.Fake {
	fake := chaintest.New()
	fake.AddPlan(chain.Plan{
		Ref:                 chain.PlanRef{Provider: provider},
		GasLimit:            100_000,
		PricePerExecution:   big.NewInt(3),
		RemainingExecutions: 10,
		TokenType:           chain.TokenNative,
		Active:              true,
	})
	return fake
}

func TestRootCommandHasSubcommands(t *testing.T) {
	t.Parallel()
	cmd := NewRootCommand()
	for _, name := range []string{"cron", "id", "validate", "schedule", "purchase", "cancel", "plans", "contracts", "list", "resolve", "refresh", "run"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	for _, name := range []string{"config", "format", "timeout"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	_, _, err := execute(t, []string{"cron", "* * * * *", "--format", "xml"})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestCronExpandsExpression(t *testing.T) {
	t.Parallel()
	out, _, err := execute(t, []string{"cron", "0 13 * * *", "--start", "2024-01-01T13:00:00Z", "--count", "3"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T13:00:00Z\n2024-01-02T13:00:00Z\n2024-01-03T13:00:00Z\n", out)
}

func TestCronBuildsPattern(t *testing.T) {
	t.Parallel()
	out, _, err := execute(t, []string{"cron", "--kind", "day", "--hour", "9",
		"--start", "2024-01-01T09:00:00Z", "--count", "2", "--format", "json"})
	require.NoError(t, err)

	var res cronResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "0 9 */1 * *", res.Expression)
	assert.NotEmpty(t, res.Description)
	require.Len(t, res.Times, 2)
	assert.True(t, res.Times[1].Equal(time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)))
}

func TestCronArgumentErrors(t *testing.T) {
	t.Parallel()
	_, _, err := execute(t, []string{"cron"})
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, _, err = execute(t, []string{"cron", "0 9 * * *", "--kind", "day"})
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, _, err = execute(t, []string{"cron", "61 * * * *"})
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestIDMatchesExecid(t *testing.T) {
	t.Parallel()
	requestor := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	at := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	out, _, err := execute(t, []string{"id",
		"--provider", provider.Hex(), "--plan", "2",
		"--requestor", requestor.Hex(),
		"--contract", target.Hex(),
		"--data", "0x01020304",
		"--at", at.Format(time.RFC3339),
		"--value", "5",
		"--format", "json",
	})
	require.NoError(t, err)

	var rows []idRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	want := execid.Compute(execid.Input{
		Plan:        chain.PlanRef{Provider: provider, Index: 2},
		Requestor:   requestor,
		Contract:    target,
		EncodedCall: []byte{1, 2, 3, 4},
		ExecuteAt:   at,
		Value:       big.NewInt(5),
	})
	assert.Equal(t, want, rows[0].ID)
}

func TestIDRejectsBadInput(t *testing.T) {
	t.Parallel()
	base := []string{"id", "--provider", provider.Hex(), "--requestor", target.Hex(), "--contract", target.Hex()}

	_, _, err := execute(t, append(base, "--at", "tomorrow"))
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, _, err = execute(t, append(base, "--at", "2024-01-01T00:00:00Z", "--data", "0xzz"))
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestChainCommandsNeedRPC(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rifsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  console: false\nstorage:\n  driver: memory\n"), 0o600))
	_, _, err := execute(t, []string{"plans", provider.Hex(), "-c", path})
	require.Error(t, err)
	assert.ErrorIs(t, err, app.ErrNoChain)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestScheduleListAndResolve(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	fake := newFake()
	opts := []app.Option{app.WithChain(fake), app.WithClock(func() time.Time { return now })}
	at := now.Add(time.Hour)

	out, _, err := execute(t, []string{"validate", "-c", path,
		"--provider", provider.Hex(), "--contract", target.Hex(),
		"--method", "ping", "--arg", "1", "--at", at.Format(time.RFC3339),
		"--format", "json"}, opts...)
	require.NoError(t, err)
	var vr validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &vr))
	assert.False(t, vr.Blocking)
	require.Len(t, vr.IDs, 1)
	assert.Empty(t, fake.Submitted)

	out, _, err = execute(t, []string{"schedule", "-c", path,
		"--provider", provider.Hex(), "--contract", target.Hex(), "--title", "ping",
		"--method", "ping", "--arg", "1", "--at", at.Format(time.RFC3339),
		"--format", "json"}, opts...)
	require.NoError(t, err)
	var sr scheduleResult
	require.NoError(t, json.Unmarshal([]byte(out), &sr))
	require.Len(t, sr.Entry.IDs, 1)
	id := sr.Entry.IDs[0]
	assert.Equal(t, vr.IDs[0], id)
	require.Len(t, fake.Submitted, 1)

	parsed, err := abi.JSON(strings.NewReader(pingABI))
	require.NoError(t, err)
	call, err := parsed.Pack("ping", big.NewInt(1))
	require.NoError(t, err)
	out, _, err = execute(t, []string{"id", "--provider", provider.Hex(),
		"--requestor", fake.Account().Hex(), "--contract", target.Hex(),
		"--data", hexutil.Encode(call), "--at", at.Format(time.RFC3339)})
	require.NoError(t, err)
	assert.Contains(t, out, id.Hex())

	// list reads the ledger back without a chain.
	out, _, err = execute(t, []string{"list", "-c", path, "--unsettled", "--format", "json"})
	require.NoError(t, err)
	var xs []ledger.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &xs))
	require.Len(t, xs, 1)
	assert.Equal(t, id, xs[0].ID)
	assert.Equal(t, chain.Scheduled, xs[0].State)

	fake.SetState(id, chain.Cancelled)
	out, _, err = execute(t, []string{"resolve", "-c", path, id.Hex(), "--format", "json"}, opts...)
	require.NoError(t, err)
	var x ledger.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &x))
	assert.Equal(t, chain.Cancelled, x.State)

	out, _, err = execute(t, []string{"list", "-c", path, "--unsettled"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestScheduleNeedsAcknowledgementForWarnings(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	fake := newFake()
	fake.GasOK = false
	opts := []app.Option{app.WithChain(fake), app.WithClock(func() time.Time { return now })}
	args := []string{"schedule", "-c", path,
		"--provider", provider.Hex(), "--contract", target.Hex(),
		"--method", "ping", "--arg", "1", "--at", now.Add(time.Hour).Format(time.RFC3339)}

	_, stderr, err := execute(t, args, opts...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "--yes")
	assert.NotEmpty(t, stderr)
	assert.Empty(t, fake.Submitted)

	_, _, err = execute(t, append(args, "--yes"), opts...)
	require.NoError(t, err)
	assert.Len(t, fake.Submitted, 1)
}

func TestDraftFlagErrors(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	opts := []app.Option{app.WithChain(newFake())}
	base := []string{"validate", "-c", path, "--provider", provider.Hex(), "--contract", target.Hex(), "--at", now.Format(time.RFC3339)}

	_, _, err := execute(t, base, opts...)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, _, err = execute(t, append(base, "--method", "ping", "--data", "0x00"), opts...)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, _, err = execute(t, append(base, "--data", "0x00", "--count", "3"), opts...)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, _, err = execute(t, append(base, "--method", "nope"), opts...)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestContractsAddAndList(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	abiPath := filepath.Join(t.TempDir(), "pong.json")
	require.NoError(t, os.WriteFile(abiPath, []byte(strings.ReplaceAll(pingABI, "ping", "pong")), 0o600))
	other := common.HexToAddress("0x0000000000000000000000000000000000000c04")

	_, _, err := execute(t, []string{"contracts", "add", "ponger", other.Hex(), "--abi", abiPath, "-c", path})
	require.NoError(t, err)

	out, _, err := execute(t, []string{"contracts", "-c", path, "--format", "json"})
	require.NoError(t, err)
	var rows []contractRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "pinger", rows[0].Name)
	assert.Equal(t, "ponger", rows[1].Name)
	assert.Equal(t, []string{"pong"}, rows[1].Methods)

	_, _, err = execute(t, []string{"contracts", "add", "broken", other.Hex(), "--abi", path, "-c", path})
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	wrapped := &ExitError{Code: ExitCommandError, Err: context.Canceled}
	assert.Equal(t, ExitCommandError, ExitCode(wrapped))
	assert.ErrorIs(t, wrapped, context.Canceled)
}
