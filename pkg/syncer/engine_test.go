package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nicktill/tinysync/pkg/metrics"
	"github.com/nicktill/tinysync/pkg/reference"
	"github.com/nicktill/tinysync/pkg/source"
	"github.com/nicktill/tinysync/pkg/storage"
	"github.com/nicktill/tinysync/pkg/storage/memory"
	"github.com/nicktill/tinysync/pkg/writer"
)

const foundationsDoc = `{"foundations":[{"foundry":"f1","environment":"prod","dc":"us1","region":"east","context":"app"}]}`

// fakeSource records every window and answers with respond.
type fakeSource struct {
	windows []metrics.Window
	queries []string
	respond func(w metrics.Window) []metrics.Series
}

func (f *fakeSource) Query(_ context.Context, w metrics.Window, query string) *source.Iterator {
	f.windows = append(f.windows, w)
	f.queries = append(f.queries, query)
	if f.respond == nil {
		return source.FromSlice(nil)
	}
	return source.FromSlice(f.respond(w))
}

type harness struct {
	store  *memory.Storage
	logs   *observer.ObservedLogs
	log    *zap.Logger
	writer *writer.Writer
	cfg    Config
}

func newHarness(t *testing.T, queriesDoc string, now int64) *harness {
	t.Helper()
	dir := t.TempDir()
	foundations := filepath.Join(dir, "foundations.json")
	queriesFile := filepath.Join(dir, "queries.json")
	require.NoError(t, os.WriteFile(foundations, []byte(foundationsDoc), 0o600))
	require.NoError(t, os.WriteFile(queriesFile, []byte(queriesDoc), 0o600))

	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)
	store := memory.New()
	return &harness{
		store:  store,
		logs:   logs,
		log:    log,
		writer: writer.New(store, writer.Config{Precision: time.Second}, log, nil),
		cfg: Config{
			FoundationsFile: foundations,
			QueriesFile:     queriesFile,
			WindowSeconds:   3600,
			StartTimestamp:  1,
			Now:             func() time.Time { return time.Unix(now, 0) },
		},
	}
}

func (h *harness) engine(src Source) *Engine {
	return New(h.cfg, src, reference.NewResolver(h.log), h.writer, h.log, nil)
}

func (h *harness) records(t *testing.T) []metrics.Metric {
	t.Helper()
	got, err := h.store.Query(context.Background(), storage.QueryRequest{
		Start: time.Unix(0, 0),
		End:   time.Unix(1<<40, 0),
	})
	require.NoError(t, err)
	return got
}

func series(scope string, pts ...string) metrics.Series {
	s := metrics.Series{Scope: scope}
	for _, p := range pts {
		s.Pointlist = append(s.Pointlist, json.RawMessage(p))
	}
	return s
}

// newFakeDatadog serves the same series for every query window.
func newFakeDatadog(t *testing.T, body string) *source.Client {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}).Methods(http.MethodGet)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return source.NewClient(source.Config{BaseURL: server.URL, APIKey: "api", AppKey: "app", Timeout: 2 * time.Second}, zap.NewNop())
}

func TestRunSingleSeriesScenario(t *testing.T) {
	h := newHarness(t, `{"queries":[{"metric":"cpu","query":"q1"}]}`, 3601)
	src := newFakeDatadog(t, `{"status":"ok","series":[{"scope":"x:f1","pointlist":[[1000,42.0]]}]}`)

	status := h.engine(src).Run(context.Background())
	require.Equal(t, StatusOK, status)

	got := h.records(t)
	require.Len(t, got, 1)
	require.Equal(t, "cpu", got[0].Name)
	require.Equal(t, time.Unix(1000, 0).UTC(), got[0].Timestamp)
	require.Equal(t, 42.0, got[0].Value)
	require.Equal(t, map[string]string{
		"foundry":     "f1",
		"environment": "prod",
		"dc":          "us1",
		"region":      "east",
		"context":     "app",
	}, got[0].Labels)
}

func TestRunUnknownEntityScenario(t *testing.T) {
	h := newHarness(t, `{"queries":[{"metric":"cpu","query":"q1"}]}`, 3601)
	src := newFakeDatadog(t, `{"status":"ok","series":[{"scope":"x:unknown","pointlist":[[1000,42.0]]}]}`)

	status := h.engine(src).Run(context.Background())
	require.Equal(t, StatusOK, status)
	require.Empty(t, h.records(t))
	require.Equal(t, 1, h.logs.FilterMessageSnippet("entity not found").Len())
}

func TestRunProcessesEveryQuery(t *testing.T) {
	h := newHarness(t, `{"queries":[{"metric":"cpu","query":"q1"},{"metric":"mem","query":"q2"}]}`, 3601)
	src := &fakeSource{respond: func(w metrics.Window) []metrics.Series {
		return []metrics.Series{series("x:f1", "[1000, 1]")}
	}}

	require.Equal(t, StatusOK, h.engine(src).Run(context.Background()))
	require.Equal(t, []string{"q1", "q2"}, src.queries)

	got := h.records(t)
	require.Len(t, got, 2)
	names := []string{got[0].Name, got[1].Name}
	require.ElementsMatch(t, []string{"cpu", "mem"}, names)
}

func TestRunFailsFastOnBadEntry(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		message string
		pos     int
		key     string
	}{
		{
			name:    "missing query at position 2",
			doc:     `{"queries":[{"metric":"cpu","query":"q1"},{"metric":"mem"},{"metric":"disk","query":"q3"}]}`,
			message: "query missing required key",
			pos:     2,
			key:     "query",
		},
		{
			name:    "missing metric at position 1",
			doc:     `{"queries":[{"query":"q1"}]}`,
			message: "query missing required key",
			pos:     1,
			key:     "metric",
		},
		{
			name:    "missing queries key",
			doc:     `{"foo":[]}`,
			message: "error loading queries file, missing key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.doc, 3601)
			src := &fakeSource{}

			require.Equal(t, StatusConfigError, h.engine(src).Run(context.Background()))
			require.Empty(t, src.windows)

			entries := h.logs.FilterMessage(tt.message).All()
			require.Len(t, entries, 1)
			if tt.key != "" {
				fields := entries[0].ContextMap()
				require.Equal(t, int64(tt.pos), fields["query"])
				require.Equal(t, tt.key, fields["key"])
			}
		})
	}
}

func TestRunUnreadableFiles(t *testing.T) {
	h := newHarness(t, `{"queries":[]}`, 3601)
	h.cfg.FoundationsFile = filepath.Join(t.TempDir(), "missing.json")
	require.Equal(t, StatusConfigError, h.engine(&fakeSource{}).Run(context.Background()))

	h = newHarness(t, `not json`, 3601)
	require.Equal(t, StatusConfigError, h.engine(&fakeSource{}).Run(context.Background()))
}

func TestRunFallsBackToStartTimestamp(t *testing.T) {
	h := newHarness(t, `{"queries":[{"metric":"cpu","query":"q1"}]}`, 100_000)
	h.cfg.StartTimestamp = 90_000
	src := &fakeSource{}

	require.Equal(t, StatusOK, h.engine(src).Run(context.Background()))
	require.NotEmpty(t, src.windows)
	require.Equal(t, int64(90_000), src.windows[0].Start)

	fallback := h.logs.FilterMessage("start time query failed, using start timestamp").All()
	require.Len(t, fallback, 1)
	require.Equal(t, zap.DebugLevel, fallback[0].Level)
}

func TestRunResumesFromStoredTimestamp(t *testing.T) {
	h := newHarness(t, `{"queries":[{"metric":"cpu","query":"q1"}]}`, 100_000)
	h.writer.SendPoints(context.Background(), "cpu", reference.Entity{ID: "f1"}, []metrics.RawPoint{json.RawMessage(`[95000, 1]`)})
	src := &fakeSource{}

	require.Equal(t, StatusOK, h.engine(src).Run(context.Background()))
	require.Equal(t, []metrics.Window{{Start: 95_000, End: 98_600}, {Start: 98_600, End: 100_000}}, src.windows)
}

func TestSendResultsWindowBound(t *testing.T) {
	const start, step = int64(1_000), int64(3600)

	for _, policy := range []string{PolicyExtend, PolicyFixed} {
		for _, span := range []int64{1, step - 1, step, step + 1, 10*step + 7} {
			t.Run(fmt.Sprintf("%s/%d", policy, span), func(t *testing.T) {
				now := start + span
				h := newHarness(t, `{"queries":[]}`, now)
				h.cfg.WindowPolicy = policy
				src := &fakeSource{respond: func(w metrics.Window) []metrics.Series {
					return []metrics.Series{series("x:f1"), series("x:f1")}
				}}

				n := h.engine(src).SendResults(context.Background(), start, "cpu", "q", nil)

				bound := int((span + step - 1) / step)
				require.Equal(t, bound, n)
				require.Len(t, src.windows, n)
				for _, w := range src.windows {
					require.Less(t, w.Start, now)
					require.LessOrEqual(t, w.End, now)
					require.Less(t, w.Start, w.End)
				}
			})
		}
	}
}

func TestSendResultsNothingToDo(t *testing.T) {
	h := newHarness(t, `{"queries":[]}`, 5_000)
	src := &fakeSource{}

	require.Equal(t, 0, h.engine(src).SendResults(context.Background(), 5_000, "cpu", "q", nil))
	require.Equal(t, 0, h.engine(src).SendResults(context.Background(), 9_000, "cpu", "q", nil))
	require.Empty(t, src.windows)
}

func TestSendResultsWindowPolicies(t *testing.T) {
	const now = int64(1 + 3*3600)
	oneSeries := func(metrics.Window) []metrics.Series { return []metrics.Series{series("x:f1")} }

	h := newHarness(t, `{"queries":[]}`, now)
	h.cfg.WindowPolicy = PolicyExtend
	src := &fakeSource{respond: oneSeries}
	h.engine(src).SendResults(context.Background(), 1, "cpu", "q", nil)
	require.Equal(t, []metrics.Window{
		{Start: 1, End: 3601},
		{Start: 3601, End: 7201},
		{Start: 7201, End: 10801},
	}, src.windows)

	h.cfg.WindowPolicy = PolicyFixed
	src = &fakeSource{respond: func(metrics.Window) []metrics.Series {
		return []metrics.Series{series("x:f1"), series("x:f1"), series("x:f1")}
	}}
	h.engine(src).SendResults(context.Background(), 1, "cpu", "q", nil)
	require.Equal(t, []metrics.Window{
		{Start: 1, End: 3601},
		{Start: 3601, End: 7201},
		{Start: 7201, End: 10801},
	}, src.windows)

	// Extend grows the right edge once per series observed.
	h.cfg.WindowPolicy = PolicyExtend
	calls := 0
	src = &fakeSource{respond: func(metrics.Window) []metrics.Series {
		calls++
		if calls == 1 {
			return []metrics.Series{series("x:f1"), series("x:f1")}
		}
		return nil
	}}
	h.engine(src).SendResults(context.Background(), 1, "cpu", "q", nil)
	require.Equal(t, []metrics.Window{
		{Start: 1, End: 3601},
		{Start: 3601, End: 10801},
		{Start: 7201, End: 10801},
	}, src.windows)
}

func TestSendResultsSkipsUnresolvableSeries(t *testing.T) {
	h := newHarness(t, `{"queries":[]}`, 3601)
	table, err := reference.Parse([]byte(foundationsDoc), h.log)
	require.NoError(t, err)

	src := &fakeSource{respond: func(metrics.Window) []metrics.Series {
		return []metrics.Series{
			series("no-colon", "[1000, 1]"),
			series("x:unknown", "[1000, 2]"),
			series("x:f1", "[1000, 3]"),
		}
	}}

	h.engine(src).SendResults(context.Background(), 1, "cpu", "q", table)

	got := h.records(t)
	require.Len(t, got, 1)
	require.Equal(t, 3.0, got[0].Value)
	require.Equal(t, 1, h.logs.FilterMessage("series scope has no entity id").Len())
	require.Equal(t, 1, h.logs.FilterMessageSnippet("entity not found").Len())
}

func TestSendResultsMalformedPointDropsSeries(t *testing.T) {
	h := newHarness(t, `{"queries":[]}`, 3601)
	table, err := reference.Parse([]byte(foundationsDoc), h.log)
	require.NoError(t, err)

	src := &fakeSource{respond: func(metrics.Window) []metrics.Series {
		return []metrics.Series{series("x:f1", "[1000, 1]", "[1001, 2]", `[1002, "n/a"]`)}
	}}
	h.engine(src).SendResults(context.Background(), 1, "cpu", "q", table)

	require.Empty(t, h.records(t))
}

func TestRunIsIdempotent(t *testing.T) {
	const start, step = int64(1_000), int64(3600)
	now := start + 3*step
	h := newHarness(t, `{"queries":[{"metric":"cpu","query":"q1"}]}`, now)
	h.cfg.StartTimestamp = start

	// Every window reports a point at its right edge.
	src := &fakeSource{respond: func(w metrics.Window) []metrics.Series {
		return []metrics.Series{series("x:f1", fmt.Sprintf("[%d, 1]", w.End))}
	}}

	require.Equal(t, StatusOK, h.engine(src).Run(context.Background()))
	first := len(src.windows)
	require.Equal(t, 3, first)
	require.Len(t, h.records(t), first)

	require.Equal(t, StatusOK, h.engine(src).Run(context.Background()))
	require.Len(t, src.windows, first)
	require.Len(t, h.records(t), first)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, `{"queries":[{"metric":"cpu","query":"q1"}]}`, 3601)
	src := &fakeSource{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Equal(t, StatusOK, h.engine(src).Run(ctx))
	require.Empty(t, src.windows)
	require.Equal(t, 1, h.logs.FilterMessage("sync interrupted").Len())
}
