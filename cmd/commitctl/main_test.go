package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level: WARN
protocol:
  admin: admin
  custody_account: commitment-custody
attestation:
  verifiers: [oracle]
  jwt_secret: s3cr3t-signing-key
`

const testScenario = `
name: early exit
start: 2026-03-01T12:00:00Z
funding:
  - {account: commitment-custody, asset: USDC, amount: 10000}
steps:
  - op: create
    as: c1
    request:
      owner: alice
      asset: USDC
      principal: 1000
      duration_days: 30
      risk: low
      type: safe
      early_exit_penalty_percent: 10
      max_loss_percent: 20
  - {op: early_exit, caller: bob, commitment: c1, expect_error: UNAUTHORIZED}
  - {op: advance, days: 5}
  - {op: early_exit, caller: alice, commitment: c1}
  - {op: balance, account: alice, asset: USDC}
  - {op: early_exit, caller: alice, commitment: c1, expect_error: already_settled}
  - {op: get, commitment: c1}
`

func writeFiles(t *testing.T, cfg, scenario string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	scPath := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile(scPath, []byte(scenario), 0o600))
	return cfgPath, scPath
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"commitctl", "--help"}, &stdout, &stderr)
	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "Usage: commitctl")
}

func TestRun_Unknown(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"commitctl", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "Unknown command: frobnicate")
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"commitctl", "version"}, &stdout, &stderr))
	assert.Equal(t, "commitctl "+version+"\n", stdout.String())
}

func TestRun_ConfigMasksSecret(t *testing.T) {
	cfgPath, _ := writeFiles(t, testConfig, testScenario)
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"commitctl", "config", "--config", cfgPath}, &stdout, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "admin: admin")
	assert.Contains(t, stdout.String(), "********")
	assert.NotContains(t, stdout.String(), "s3cr3t")
}

func TestRun_ConfigRejectsMissingAdmin(t *testing.T) {
	t.Setenv("COMMIT_ADMIN", "")
	cfgPath, _ := writeFiles(t, "log_level: INFO\n", testScenario)
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"commitctl", "config", "--config", cfgPath}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "protocol.admin is required")
}

func TestRun_ScenarioRequiresFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"commitctl", "run"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "--scenario is required")
}

func TestRun_ScenarioText(t *testing.T) {
	cfgPath, scPath := writeFiles(t, testConfig, testScenario)
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"commitctl", "run", "--config", cfgPath, "--scenario", scPath}, &stdout, &stderr)
	require.Equal(t, 0, exitCode, stdout.String()+stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "payout=900")
	assert.Contains(t, out, "balance=900")
	assert.Contains(t, out, "status=exited_early")
	assert.Contains(t, out, "7 steps, 0 unexpected")
	assert.NotContains(t, out, "FAIL")
}

func TestRun_ScenarioJSON(t *testing.T) {
	cfgPath, scPath := writeFiles(t, testConfig, testScenario)
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"commitctl", "run", "--config", cfgPath, "--scenario", scPath, "--json"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 7)

	var unauthorized StepResult
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &unauthorized))
	assert.False(t, unauthorized.OK)
	assert.Equal(t, "UNAUTHORIZED", unauthorized.Code)

	var exit StepResult
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &exit))
	assert.True(t, exit.OK)
	assert.EqualValues(t, 900, exit.Result["payout"])
}

func TestRun_ScenarioUnexpectedFailure(t *testing.T) {
	scenario := `
start: 2026-03-01T12:00:00Z
steps:
  - {op: early_exit, caller: alice, commitment: cmt_missing}
  - {op: teleport}
`
	cfgPath, scPath := writeFiles(t, testConfig, scenario)
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"commitctl", "run", "--config", cfgPath, "--scenario", scPath}, &stdout, &stderr)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stdout.String(), "NOT_FOUND")
	assert.Contains(t, stdout.String(), "VALIDATION")
	assert.Contains(t, stdout.String(), "2 unexpected")
}

func TestRun_ScenarioEvents(t *testing.T) {
	cfgPath, scPath := writeFiles(t, testConfig, testScenario)
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"commitctl", "run", "--config", cfgPath, "--scenario", scPath, "--events"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "commitment_created")
}

func TestRun_ScenarioStrategyAndBatch(t *testing.T) {
	scenario := `
start: 2026-03-01T12:00:00Z
funding:
  - {account: commitment-custody, asset: USDC, amount: 10000}
steps:
  - {op: register_pool, caller: admin, pool: low-a, capacity: 1000, apy_bps: 300, risk: low}
  - {op: register_pool, caller: admin, pool: low-b, capacity: 1000, apy_bps: 400, risk: low}
  - op: create
    as: c1
    request: {owner: alice, asset: USDC, principal: 1000, duration_days: 30, risk: low, type: safe, max_loss_percent: 20}
  - {op: allocate_strategy, caller: alice, commitment: c1, amount: 600}
  - {op: allocate, caller: alice, commitment: c1, pool: low-a, amount: 1, expect_error: VALIDATION}
  - {op: pool_status, caller: admin, pool: low-a, enabled: false}
  - {op: rebalance, caller: alice, commitment: c1}
  - {op: pool, pool: low-b}
  - op: attest_batch
    caller: oracle
    token: true
    mode: best_effort
    items:
      - {commitment_id: c1, type: health_check, compliant: true}
      - {commitment_id: c1, type: fee_generation, compliant: true}
      - {commitment_id: c1, type: fee_generation, payload: {fee_amount: "40"}, compliant: true}
  - {op: health, commitment: c1}
`
	cfgPath, scPath := writeFiles(t, testConfig, scenario)
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"commitctl", "run", "--config", cfgPath, "--scenario", scPath}, &stdout, &stderr)
	require.Equal(t, 0, exitCode, stdout.String()+stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "pools=map[low-a:300 low-b:300] strategy=safe total=600")
	assert.Contains(t, out, "pools=map[low-b:600] strategy=safe total=600")
	assert.Contains(t, out, "total_allocated=600")
	assert.Contains(t, out, "recorded=2 rejected=[1]")
	assert.Contains(t, out, "attestations=2")
	assert.Contains(t, out, "fees=40")
	assert.Contains(t, out, "10 steps, 0 unexpected")
}

func TestStepResult_Passed(t *testing.T) {
	assert.True(t, StepResult{OK: true}.Passed(""))
	assert.False(t, StepResult{Code: "NOT_FOUND"}.Passed(""))
	assert.True(t, StepResult{Code: "NOT_FOUND"}.Passed("not_found"))
	assert.False(t, StepResult{OK: true}.Passed("NOT_FOUND"))
	assert.False(t, StepResult{Code: "UNAUTHORIZED"}.Passed("NOT_FOUND"))
}
