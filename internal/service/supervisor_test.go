package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valuation-tools/tabctl/internal/containertest"
	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/progress"
	"github.com/valuation-tools/tabctl/internal/progress/progresstest"
	"github.com/valuation-tools/tabctl/internal/service"
	"github.com/valuation-tools/tabctl/internal/store"
	"github.com/valuation-tools/tabctl/internal/tabs"
	"github.com/valuation-tools/tabctl/internal/tabs/tabstest"

	"github.com/stretchr/testify/require"
)

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Jobs.MaxTabs = 3
	cfg.Jobs.PollInterval = 10 * time.Millisecond
	cfg.Portal = model.Portal{
		BaseURL: "https://portal.example.com",
		Fill:    model.Step{URL: "{{.BaseURL}}/assets/{{.ID}}/edit", Script: "return fill(item)"},
		Check:   model.Step{URL: "{{.BaseURL}}/assets/{{.ID}}", Script: "return check(item)"},
	}
	return cfg
}

func items(ids ...string) []model.WorkItem {
	ret := make([]model.WorkItem, len(ids))
	for i, id := range ids {
		ret[i] = model.WorkItem{ID: id}
	}
	return ret
}

// syncBuffer is written by the supervisor and read by the test.
type syncBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) results(t *testing.T) []model.Result {
	t.Helper()
	b.mx.Lock()
	defer b.mx.Unlock()
	var ret []model.Result
	dec := json.NewDecoder(bytes.NewReader(b.buf.Bytes()))
	for dec.More() {
		var r model.Result
		require.NoError(t, dec.Decode(&r))
		ret = append(ret, r)
	}
	return ret
}

type harness struct {
	sup     *service.Supervisor
	browser *tabstest.Browser
	rec     *progresstest.Recorder
	out     *syncBuffer
	st      store.Store
}

func newHarness(t *testing.T, cfg model.Config, launcher tabs.Launcher, opts ...service.Option) *harness {
	t.Helper()
	st, err := store.OpenBadger("", 0)
	require.NoError(t, err)
	h := &harness{
		browser: tabstest.NewBrowser(true),
		rec:     &progresstest.Recorder{},
		out:     &syncBuffer{},
		st:      st,
	}
	opts = append([]service.Option{
		service.WithBrowser(h.browser),
		service.WithSinks(h.rec),
		service.WithStore(st),
		service.WithUploaders(service.NewWriteUploader(h.out)),
	}, opts...)
	h.sup, err = service.NewSupervisor(t.Context(), cfg, launcher, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.sup.Close(context.Background())) })
	return h
}

func terminals(events []model.Event) []model.Event {
	var ret []model.Event
	for _, ev := range events {
		if ev.Terminal {
			ret = append(ret, ev)
		}
	}
	return ret
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	h := newHarness(t, testConfig(), nil)
	h.browser.OnEvaluate = func(_ context.Context, _ *tabstest.Page, _ string, out any) error {
		return json.Unmarshal([]byte(`{"fields": {"saved": true}}`), out)
	}

	res, err := h.sup.Submit(ctx, service.Submission{JobID: "R-1", JobType: model.JobTypeFillItems, Items: items("a", "b", "c", "d", "e")})
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, res.Status)
	require.Equal(t, 5, res.Completed)
	require.Equal(t, 3, res.Shards)

	uploaded := h.out.results(t)
	require.Len(t, uploaded, 1)
	require.Equal(t, "R-1", uploaded[0].JobID)
	require.Equal(t, model.StatusSuccess, uploaded[0].Status)
	require.Equal(t, "true", uploaded[0].Outcomes[4].Fields["saved"])

	require.Len(t, terminals(h.rec.For("R-1")), 1)
	records, err := h.st.List(ctx, "R-1")
	require.NoError(t, err)
	require.Len(t, store.Succeeded(records), 5)

	// a retry with resume has nothing left to do
	res, err = h.sup.Submit(ctx, service.Submission{JobID: "R-1", JobType: model.JobTypeFillItems, Items: items("a", "b", "c", "d", "e"), Resume: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, res.Status)
	require.Equal(t, 5, res.Skipped)
	require.Zero(t, res.Total)
}

func TestSubmitBatchID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), nil)

	res, err := h.sup.Submit(t.Context(), service.Submission{JobType: model.JobTypeFillItems, Items: items("a")})
	require.NoError(t, err)
	require.Regexp(t, `^batch-[0-9a-f-]{36}$`, res.JobID)
	require.True(t, model.ValidJobID(res.JobID))
}

func TestSubmitFailures(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(t *testing.T) (*harness, service.Submission)
		then     error
	}{
		{
			scenario: "unknown job type",
			given: func(t *testing.T) (*harness, service.Submission) {
				return newHarness(t, testConfig(), nil), service.Submission{JobID: "R-1", JobType: "macro-edit", Items: items("a")}
			},
			then: model.ErrUnknownJobType,
		},
		{
			scenario: "step not configured",
			given: func(t *testing.T) (*harness, service.Submission) {
				return newHarness(t, testConfig(), nil), service.Submission{JobID: "R-1", JobType: model.JobTypeGrabIDs, Items: items("a")}
			},
		},
		{
			scenario: "browser cannot start",
			given: func(t *testing.T) (*harness, service.Submission) {
				h := newHarness(t, testConfig(), &tabstest.Launcher{Err: context.DeadlineExceeded}, service.WithBrowser(nil))
				return h, service.Submission{JobID: "R-1", JobType: model.JobTypeFillItems, Items: items("a")}
			},
			then: model.ErrNoBrowser,
		},
		{
			scenario: "invalid job id",
			given: func(t *testing.T) (*harness, service.Submission) {
				return newHarness(t, testConfig(), nil), service.Submission{JobID: "R 1", JobType: model.JobTypeFillItems, Items: items("a")}
			},
			then: model.ErrInvalidJobID,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			h, sub := tc.given(t)

			res, err := h.sup.Submit(t.Context(), sub)
			require.Error(t, err)
			if tc.then != nil {
				require.ErrorIs(t, err, tc.then)
			}
			require.Equal(t, model.StatusFailed, res.Status)
			require.Equal(t, err.Error(), res.Error)
			require.Len(t, terminals(h.rec.For(sub.JobID)), 1)
			require.Len(t, h.out.results(t), 1)
			require.Empty(t, h.sup.Registry().Active())
		})
	}
}

func TestSubmitSpawn(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	launcher := &tabstest.Launcher{}
	h := newHarness(t, testConfig(), launcher)
	require.NoError(t, h.browser.SetCookies(ctx, []tabs.Cookie{{Name: "sid", Value: "s3cr3t", Domain: "portal.example.com"}}))

	res, err := h.sup.Submit(ctx, service.Submission{JobID: "R-2", JobType: model.JobTypeFillItems, Items: items("a", "b"), Spawn: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, res.Status)

	require.Len(t, launcher.Launched, 1)
	spawned := launcher.Launched[0]
	require.True(t, launcher.Options[0].Headless)
	require.True(t, spawned.Stopped())
	cookies, err := spawned.Cookies(ctx)
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", cookies[0].Value)
	require.Empty(t, h.browser.Main().Visited())
	require.False(t, h.browser.Stopped())
}

func TestControl(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	h := newHarness(t, testConfig(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.browser.OnEvaluate = func(ctx context.Context, _ *tabstest.Page, _ string, _ any) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	type outcome struct {
		res model.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.sup.Submit(ctx, service.Submission{JobID: "R-3", JobType: model.JobTypeFillItems, Items: items("a", "b", "c"), Shards: 1})
		done <- outcome{res, err}
	}()
	<-started

	reply := control(t, h.sup, `{"job_id": "R-3", "command": "pause"}`)
	require.True(t, reply.OK)
	require.Equal(t, "PAUSED", reply.State)

	reply = control(t, h.sup, `{"command": "status"}`)
	require.True(t, reply.OK)
	require.Len(t, reply.Jobs, 1)
	require.Equal(t, "R-3", reply.Jobs[0].JobID)
	require.True(t, reply.Jobs[0].Paused)

	reply = control(t, h.sup, `{"job_id": "R-3", "command": "stop"}`)
	require.True(t, reply.OK)
	require.Equal(t, "STOPPING", reply.State)
	close(release)

	got := <-done
	require.NoError(t, got.err)
	require.Equal(t, model.StatusStopped, got.res.Status)
	require.Equal(t, 1, got.res.Completed)

	reply = control(t, h.sup, `{"job_id": "R-3", "command": "resume"}`)
	require.False(t, reply.OK)
	require.Contains(t, reply.Error, "no active job")
}

func control(t *testing.T, sup *service.Supervisor, req string) service.ControlReply {
	t.Helper()
	var reply service.ControlReply
	require.NoError(t, json.Unmarshal(sup.HandleControl(t.Context(), []byte(req)), &reply))
	return reply
}

func TestHandleControlErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), nil)

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"malformed", `{"job_id":`, "decoding request"},
		{"no active job", `{"job_id": "R-9", "command": "pause"}`, "no active job: R-9"},
		{"unknown command", `{"job_id": "R-9", "command": "restart"}`, `unknown control command: "restart"`},
		{"status of unknown job", `{"job_id": "R-9", "command": "status"}`, "no active job: R-9"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			reply := control(t, h.sup, tc.given)
			require.False(t, reply.OK)
			require.Contains(t, reply.Error, tc.then)
		})
	}

	reply := control(t, h.sup, `{"command": "status"}`)
	require.True(t, reply.OK)
	require.Empty(t, reply.Jobs)
}

func TestScheduledCheck(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "items.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- id: A-1\n- id: A-2\n"), 0o600))
	cfg := testConfig()
	cfg.Schedule.Items = path
	cfg.Schedule.JobID = "nightly-check"
	h := newHarness(t, cfg, nil)

	// the second tick is dropped while the first one is pending
	h.sup.Trigger()
	h.sup.Trigger()

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, h.sup.Do(ctx))
	})

	require.Eventually(t, func() bool {
		return len(terminals(h.rec.For("nightly-check"))) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	results := h.out.results(t)
	require.Len(t, results, 1)
	require.Equal(t, model.JobTypeCheckStatus, results[0].JobType)
	require.Equal(t, 2, results[0].Completed)
}

func TestNewSupervisorSchedule(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Schedule.Cron = "* * 32 * *"
	_, err := service.NewSupervisor(t.Context(), cfg, nil, service.WithStore(nil))
	require.ErrorContains(t, err, "parsing schedule.cron")

	cfg.Schedule.Cron = "*/5 * * * *"
	sup, err := service.NewSupervisor(t.Context(), cfg, nil, service.WithStore(nil))
	require.NoError(t, err)
	require.NoError(t, sup.Close(t.Context()))
}

func TestControlOverNATS(t *testing.T) {
	url := containertest.NATS(t)
	nc, err := progress.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	cfg := testConfig()
	h := newHarness(t, cfg, nil, service.WithNATS(nc))

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, h.sup.Do(ctx))
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	req := service.ControlRequest{Command: service.CommandStatus}
	require.Eventually(t, func() bool {
		reqCtx, reqCancel := context.WithTimeout(ctx, time.Second)
		defer reqCancel()
		reply, err := service.RequestControl(reqCtx, nc, cfg.Progress.ControlSubject, req)
		return err == nil && reply.OK
	}, 10*time.Second, 50*time.Millisecond)

	_, err = service.RequestControl(ctx, nc, cfg.Progress.ControlSubject, service.ControlRequest{JobID: "R-1", Command: service.CommandStop})
	require.ErrorContains(t, err, "no active job")
}
