package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oshribin/duty"
	"github.com/oshribin/duty/config"
	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
	"github.com/oshribin/duty/store/sqlite"
)

// seed writes a config pointing at a fresh SQLite file and inserts records
func seed(t *testing.T, recs ...*job.Job) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "duty.db")

	store, err := sqlite.Open(context.Background(), sqlite.Options{Path: dbPath, PageSize: 10, AutoMigrate: true})
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := store.Insert(context.Background(), rec)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	cfgPath := filepath.Join(dir, "duty.yaml")
	content := fmt.Sprintf("store:\n  type: sqlite\n  sqlite:\n    path: %s\nlog:\n  level: error\n", dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func record(id, name string, status job.Status, added time.Time) *job.Job {
	return &job.Job{ID: id, Name: name, Status: status, AddedOn: added, Data: json.RawMessage(`{}`)}
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "duty", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"get", "list", "purge", "cancel", "serve-metrics"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestGet(t *testing.T) {
	cfg := seed(t, record("a", "email", job.StatusPending, time.Now()))

	out, err := run(t, "get", "a", "--config", cfg)
	require.NoError(t, err)

	var rec job.Job
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "a", rec.ID)
	assert.Equal(t, "email", rec.Name)

	_, err = run(t, "get", "missing", "--config", cfg)
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func TestList(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	cfg := seed(t,
		record("a", "email", job.StatusSuccess, old),
		record("b", "sms", job.StatusPending, time.Now()),
		record("c", "email", job.StatusError, time.Now()),
	)

	out, err := run(t, "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "sms")

	out, err = run(t, "list", "--config", cfg, "--name", "email", "--json")
	require.NoError(t, err)
	var jobs []job.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "c", jobs[1].ID)

	out, err = run(t, "list", "--config", cfg, "--older-than", "1h", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].ID)

	_, err = run(t, "list", "--config", cfg, "--status", "bogus")
	assert.ErrorContains(t, err, `unknown status "bogus"`)
}

func TestPurge(t *testing.T) {
	cfg := seed(t,
		record("a", "email", job.StatusSuccess, time.Now()),
		record("b", "email", job.StatusError, time.Now()),
		record("c", "email", job.StatusPending, time.Now()),
	)

	out, err := run(t, "purge", "--config", cfg, "--status", "success,error")
	require.NoError(t, err)
	assert.Equal(t, "purged 2 jobs\n", out)

	out, err = run(t, "list", "--config", cfg, "--json")
	require.NoError(t, err)
	var jobs []job.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "c", jobs[0].ID)
}

func TestCancel(t *testing.T) {
	cfg := seed(t,
		record("a", "email", job.StatusRunning, time.Now()),
		record("b", "email", job.StatusSuccess, time.Now()),
	)

	out, err := run(t, "cancel", "a", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "canceled a\n", out)

	out, err = run(t, "get", "a", "--config", cfg)
	require.NoError(t, err)
	var rec job.Job
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, job.StatusError, rec.Status)
	assert.Equal(t, errors.MsgCanceled, rec.Error)

	// terminal records are left alone
	_, err = run(t, "cancel", "b", "--config", cfg)
	require.NoError(t, err)
	out, err = run(t, "get", "b", "--config", cfg)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, job.StatusSuccess, rec.Status)
}

func TestBadConfig(t *testing.T) {
	_, err := run(t, "list", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to load config")
}

func TestHealthz(t *testing.T) {
	cfg := config.Default()
	cfg.Stats.Type = "prometheus"
	cfg.Log.Level = "error"

	d, err := duty.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Close()

	mux := newMux(d)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
}
