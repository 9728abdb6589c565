package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSyncThenExport(t *testing.T) {
	now := time.Now().Unix()
	pointMillis := (now - 30) * 1000

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("DD-API-KEY") != "api" || r.Header.Get("DD-APPLICATION-KEY") != "app" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","series":[{"scope":"host:f1","pointlist":[[%d, 42.0]]}]}`, pointMillis)
	}).Methods(http.MethodGet)
	server := httptest.NewServer(router)
	defer server.Close()

	dir := t.TempDir()
	foundations := writeFile(t, dir, "foundations.json",
		`{"foundations":[{"foundry":"f1","environment":"prod","dc":"us1","region":"east","context":"app"}]}`)
	queries := writeFile(t, dir, "queries.json", `{"queries":[{"metric":"cpu","query":"avg:system.cpu.user{*}by{foundry}"}]}`)
	dbPath := filepath.Join(dir, "store", "tinysync.db")
	statsPath := filepath.Join(dir, "tinysync.prom")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"sync",
		"-f", foundations,
		"-q", queries,
		"-a", "api",
		"-k", "app",
		"--datadog-url", server.URL,
		"--start-timestamp", strconv.FormatInt(now-60, 10),
		"--store-backend", "sqlite",
		"-d", dbPath,
		"--stats-textfile", statsPath,
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, "stderr: %s\nstdout: %s", stderr.String(), stdout.String())
	require.Contains(t, stdout.String(), `"run_id"`)

	prom, err := os.ReadFile(statsPath)
	require.NoError(t, err)
	require.Contains(t, string(prom), "tinysync_points_written_total 1")

	stdout.Reset()
	code = run(context.Background(), []string{
		"export",
		"--store-backend", "sqlite",
		"-d", dbPath,
		"--format", "csv",
		"--metric", "cpu",
		"--foundry", "f1",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())

	rows, err := csv.NewReader(strings.NewReader(stdout.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "cpu", rows[1][1])
	require.Equal(t, "42", rows[1][3])
}

func TestSyncConfigErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer

	// no queries file, no keys
	code := run(context.Background(), []string{"--store-backend", "memory"}, &stdout, &stderr)
	require.Equal(t, exitConfigError, code)
	require.Contains(t, stderr.String(), "queries_file is required")
	require.Contains(t, stderr.String(), "datadog.api_key is required")

	stderr.Reset()
	code = run(context.Background(), []string{"--window-policy", "sideways", "-q", "q.json", "-a", "a", "-k", "k"}, &stdout, &stderr)
	require.Equal(t, exitConfigError, code)
	require.Contains(t, stderr.String(), "sync.window_policy")
}

func TestSyncMissingQueriesFile(t *testing.T) {
	dir := t.TempDir()
	foundations := writeFile(t, dir, "foundations.json", `{"foundations":[]}`)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-f", foundations,
		"-q", filepath.Join(dir, "missing.json"),
		"-a", "api",
		"-k", "app",
		"--store-backend", "memory",
	}, &stdout, &stderr)
	require.Equal(t, exitConfigError, code)
	require.Contains(t, stdout.String(), "failed to load queries file")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitConfigError, run(context.Background(), []string{"backfill"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "unknown command")
}

func TestExportOptions(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	opts, err := exportOptions("", "", "json", nil, "", now)
	require.NoError(t, err)
	require.Equal(t, now, opts.End)
	require.Equal(t, now.Add(-24*time.Hour), opts.Start)
	require.Nil(t, opts.Labels)

	opts, err = exportOptions("2024-05-01T00:00:00Z", "2024-05-01T06:00:00Z", "csv", []string{"cpu"}, "f1", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC), opts.End)
	require.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), opts.Start)
	require.Equal(t, map[string]string{"foundry": "f1"}, opts.Labels)

	_, err = exportOptions("yesterday", "", "json", nil, "", now)
	require.Error(t, err)
}
