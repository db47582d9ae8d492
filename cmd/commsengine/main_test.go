package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/commsengine/internal/daemon"
	"github.com/msageha/commsengine/internal/events"
	"github.com/msageha/commsengine/internal/incident"
	"github.com/msageha/commsengine/internal/model"
	"github.com/msageha/commsengine/internal/uds"
)

const snapshotYAML = `channels:
  - id: alpha
    label: Alpha
    membership_count: 6
    intensity: 0.82
events:
  - id: e1
    channel_id: alpha
    event_type: DOWNED
    created_at: "2026-03-01T11:58:00Z"
`

const now = "2026-03-01T12:00:00Z"

// workspace writes a config whose state lives under a temp dir and returns its paths.
func workspace(t *testing.T) (cfgPath, snapPath, stateDir string) {
	t.Helper()
	dir := t.TempDir()
	stateDir = filepath.Join(dir, "state")
	cfgPath = filepath.Join(dir, "config.yaml")
	snapPath = filepath.Join(dir, "snapshot.yaml")
	cfg := "sync:\n  store: file\n  path: " + filepath.Join(dir, "store") + "\ndaemon:\n  state_dir: " + stateDir + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	require.NoError(t, os.WriteFile(snapPath, []byte(snapshotYAML), 0644))
	return cfgPath, snapPath, stateDir
}

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags([]string{"--snapshot", "s.yaml", "--scope", "ops"}, "snapshot", "scope")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"snapshot": "s.yaml", "scope": "ops"}, flags)

	_, err = parseFlags([]string{"--bogus", "x"}, "snapshot")
	assert.True(t, errors.Is(err, errUsage))
	_, err = parseFlags([]string{"--snapshot"}, "snapshot")
	assert.True(t, errors.Is(err, errUsage))
	_, err = parseFlags([]string{"positional"}, "snapshot")
	assert.True(t, errors.Is(err, errUsage))
}

func TestEvaluate_JSONOutputAndPersistedStatus(t *testing.T) {
	cfgPath, snapPath, _ := workspace(t)

	var out bytes.Buffer
	require.NoError(t, runEvaluate([]string{"--snapshot", snapPath, "--config", cfgPath, "--format", "json", "--now", now}, &out))

	var res struct {
		StatusByID map[string]string `json:"statusById"`
		Health     []struct {
			Discipline string `json:"discipline"`
			QualityPct int    `json:"qualityPct"`
		} `json:"health"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Len(t, res.Health, 1)
	assert.Equal(t, "SATURATED", res.Health[0].Discipline)
	assert.Equal(t, 58, res.Health[0].QualityPct)
	assert.Equal(t, map[string]string{"health:alpha": "NEW", "event:e1": "NEW"}, res.StatusByID)
}

func TestTransition_PersistsAndJournals(t *testing.T) {
	cfgPath, snapPath, stateDir := workspace(t)
	base := []string{"--snapshot", snapPath, "--config", cfgPath, "--now", now}

	var out bytes.Buffer
	require.NoError(t, runTransition(append([]string{"--incident", "event:e1", "--to", "acked"}, base...), &out))
	assert.Equal(t, "event:e1: NEW → ACKED\n", out.String())

	// the stored map is read back without a snapshot
	out.Reset()
	require.NoError(t, runTransition([]string{"--incident", "event:e1", "--to", "ASSIGNED", "--config", cfgPath}, &out))
	assert.Equal(t, "event:e1: ACKED → ASSIGNED\n", out.String())

	entries, err := events.ReadJournal(filepath.Join(stateDir, "logs", "sync.jsonl"))
	require.NoError(t, err)
	var transitions []string
	for _, e := range entries {
		if e.Type == events.EventIncidentTransition {
			transitions = append(transitions, e.Detail)
		}
	}
	assert.Equal(t, []string{"NEW → ACKED", "ACKED → ASSIGNED"}, transitions)
}

func TestTransition_RejectsIllegalMove(t *testing.T) {
	cfgPath, snapPath, _ := workspace(t)

	err := runTransition([]string{"--incident", "health:alpha", "--to", "RESOLVED", "--snapshot", snapPath, "--config", cfgPath, "--now", now}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, incident.ErrIllegalTransition), "got %v", err)

	err = runTransition([]string{"--incident", "bogus", "--to", "ACKED", "--config", cfgPath}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestIssue(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runIssue([]string{"--channel", "alpha", "--directive", "incident_ack", "--incident", "event:e1", "--format", "json"}, &out))

	var rec model.DispatchRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.True(t, strings.HasPrefix(rec.DispatchID, "dsp_"))
	assert.Equal(t, model.DirectiveIncidentAck, rec.Directive)
	assert.Equal(t, model.DispatchStatusQueued, rec.Status)
	assert.Equal(t, "lane:alpha", rec.LaneID)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "20000\n"},
		{[]string{"--prev", "20000"}, "32000\n"},
		{[]string{"--prev", "100000"}, "120000\n"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		require.NoError(t, runBackoff(tt.args, &out))
		assert.Equal(t, tt.want, out.String())
	}
	assert.True(t, errors.Is(runBackoff([]string{"--prev", "soon"}, &bytes.Buffer{}), errUsage))
}

func TestWriteOutput_RejectsUnknownFormat(t *testing.T) {
	err := writeOutput(&bytes.Buffer{}, "xml", struct{}{})
	assert.True(t, errors.Is(err, errUsage))
}

func TestTransition_RoutesThroughRunningWatcher(t *testing.T) {
	cfgPath, snapPath, stateDir := workspace(t)
	cfg, err := model.LoadConfig(cfgPath)
	require.NoError(t, err)

	d, err := daemon.New(daemon.Options{
		SnapshotPath: snapPath,
		StateDir:     stateDir,
		Config:       cfg,
		Now:          func() time.Time { return model.ParseTimestamp(now) },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	client := uds.NewClient(daemon.SocketPath(stateDir))
	require.Eventually(t, func() bool {
		var report uds.StatusReport
		return client.Call(uds.CommandStatus, nil, &report) == nil && len(report.StatusByID) == 2
	}, 5*time.Second, 20*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, runTransition([]string{"--incident", "health:alpha", "--to", "ACKED", "--config", cfgPath}, &out))
	assert.Equal(t, "health:alpha: NEW → ACKED\n", out.String())

	err = runTransition([]string{"--incident", "health:alpha", "--to", "NEW", "--config", cfgPath}, &bytes.Buffer{})
	var detail *uds.ErrorDetail
	require.True(t, errors.As(err, &detail), "got %v", err)
	assert.Equal(t, uds.ErrCodeIllegalTransition, detail.Code)

	out.Reset()
	require.NoError(t, runStatus([]string{"--config", cfgPath, "--format", "json"}, &out))
	var report uds.StatusReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, model.IncidentStatusAcked, report.StatusByID["health:alpha"])
	assert.Equal(t, model.IncidentStatusNew, report.StatusByID["event:e1"])
}

func TestStatus_NoWatcher(t *testing.T) {
	cfgPath, _, _ := workspace(t)
	err := runStatus([]string{"--config", cfgPath}, &bytes.Buffer{})
	var notRunning *uds.ErrNotRunning
	assert.True(t, errors.As(err, &notRunning), "got %v", err)
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	require.NoError(t, runInit([]string{"--dir", dir}, &out))
	assert.Equal(t, "initialized "+filepath.Join(dir, ".commsengine")+"\n", out.String())

	base := filepath.Join(dir, ".commsengine")
	cfgPath := filepath.Join(base, "config.yaml")
	out.Reset()
	require.NoError(t, runEvaluate([]string{"--snapshot", filepath.Join(base, "snapshot.example.yaml"),
		"--config", cfgPath, "--format", "json", "--now", now}, &out))
	assert.Contains(t, out.String(), "health:alpha")

	assert.Error(t, runInit([]string{"--dir", dir}, &bytes.Buffer{}))
}

func TestEvaluate_JournalsDroppedStatusWrite(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "config.yaml")
	snapPath := filepath.Join(dir, "snapshot.yaml")
	cfg := "sync:\n  store: file\n  path: " + filepath.Join(dir, "store") + "\n  max_state_bytes: 16\ndaemon:\n  state_dir: " + stateDir + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	require.NoError(t, os.WriteFile(snapPath, []byte(snapshotYAML), 0644))

	require.NoError(t, runEvaluate([]string{"--snapshot", snapPath, "--config", cfgPath, "--now", now}, &bytes.Buffer{}))

	entries, err := events.ReadJournal(filepath.Join(stateDir, "logs", "sync.jsonl"))
	require.NoError(t, err)
	var dropped []events.JournalEntry
	for _, e := range entries {
		if e.Type == events.EventStateDropped {
			dropped = append(dropped, e)
		}
	}
	require.Len(t, dropped, 1)
	assert.Equal(t, "incident_status:default", dropped[0].Key)
	assert.Contains(t, dropped[0].Detail, "oversized")
}
