package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/ehragent/pkg/actions"
	"github.com/entrhq/ehragent/pkg/automation/automationtest"
	"github.com/entrhq/ehragent/pkg/llm"
	"github.com/entrhq/ehragent/pkg/llm/openai"
	"github.com/entrhq/ehragent/pkg/logging"
	"github.com/entrhq/ehragent/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	registry *session.Registry
	page     *automationtest.Page
	id       string
}

func newFixture(t *testing.T, page *automationtest.Page) *fixture {
	t.Helper()

	log := zaptest.NewLogger(t)
	driver := automationtest.NewDriver(func() *automationtest.Page { return page })
	engine := session.NewEngineInitializer(driver, logging.FromZap(log, "engine"), nil)
	registry := session.NewRegistry(engine, session.Options{EntryURL: "https://portal.example.com/"},
		session.WithLogger(logging.FromZap(log, "sessions")))
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	id, err := registry.Create(context.Background(), "alice")
	require.NoError(t, err)
	return &fixture{registry: registry, page: page, id: id.SessionID}
}

func newService(t *testing.T, f *fixture, replier llm.Replier) *Service {
	t.Helper()
	log := logging.FromZap(zaptest.NewLogger(t), "assistant")
	return NewService(f.registry, actions.NewDispatcher(actions.WithLogger(log)), replier, WithLogger(log))
}

func portalPage() *automationtest.Page {
	page := automationtest.NewPage(
		&automationtest.Element{Text: "OA"},
		&automationtest.Element{Text: "EHR"},
	)
	page.Body = "OA EHR"
	return page
}

func TestProcess_WithoutCredential(t *testing.T) {
	t.Setenv(openai.APIKeyEnv, "")
	f := newFixture(t, portalPage())
	svc := newService(t, f, openai.NewClient(""))

	result, err := svc.Process(context.Background(), f.id, "请打开OA和EHR并刷新")
	require.NoError(t, err)

	assert.Equal(t, openai.ReplyNotConfigured, result.Reply)
	assert.Equal(t, []actions.Result{
		{Type: actions.TypeClick, Target: "OA", Status: actions.StatusOK},
		{Type: actions.TypeClick, Target: "EHR", Status: actions.StatusOK},
		{Type: actions.TypeReload, Target: "page", Status: actions.StatusOK},
	}, result.Actions)
	assert.Equal(t, []string{"OA", "EHR"}, f.page.Clicks())
	assert.Equal(t, 1, f.page.Reloads())
}

func TestProcess_ExcerptReflectsActions(t *testing.T) {
	page := automationtest.NewPage(&automationtest.Element{
		Text:    "OA",
		OnClick: func(p *automationtest.Page) { p.Body = "OA 待办列表：请假审批" },
	})
	page.Body = "请选择系统"
	f := newFixture(t, page)

	var gotMessage, gotExcerpt string
	svc := newService(t, f, llm.ReplierFunc(func(_ context.Context, message, excerpt string) string {
		gotMessage, gotExcerpt = message, excerpt
		return "先处理请假审批。"
	}))

	result, err := svc.Process(context.Background(), f.id, "打开oa")
	require.NoError(t, err)
	assert.Equal(t, "先处理请假审批。", result.Reply)
	assert.Equal(t, "打开oa", gotMessage)
	assert.Equal(t, "OA 待办列表：请假审批", gotExcerpt)
}

func TestProcess_ExcerptIsBounded(t *testing.T) {
	page := automationtest.NewPage()
	page.Body = strings.Repeat("字", 5000)
	f := newFixture(t, page)

	var excerptLen int
	svc := newService(t, f, llm.ReplierFunc(func(_ context.Context, _, excerpt string) string {
		excerptLen = len([]rune(excerpt))
		return "ok"
	}))

	_, err := svc.Process(context.Background(), f.id, "hello")
	require.NoError(t, err)
	assert.Equal(t, DefaultExcerptLimit, excerptLen)
}

func TestProcess_NoTriggers(t *testing.T) {
	f := newFixture(t, portalPage())
	svc := newService(t, f, llm.ReplierFunc(func(context.Context, string, string) string { return "hi" }))

	result, err := svc.Process(context.Background(), f.id, "你好")
	require.NoError(t, err)
	assert.NotNil(t, result.Actions)
	assert.Empty(t, result.Actions)
	assert.Equal(t, "hi", result.Reply)
}

func TestProcess_UnknownSession(t *testing.T) {
	f := newFixture(t, portalPage())
	called := false
	svc := newService(t, f, llm.ReplierFunc(func(context.Context, string, string) string {
		called = true
		return ""
	}))
	callsBefore := f.page.Calls()

	_, err := svc.Process(context.Background(), "missing", "打开OA")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.False(t, called)
	assert.Equal(t, callsBefore, f.page.Calls())
	assert.Equal(t, 1, f.registry.Len())
}

func TestProcess_BlankMessage(t *testing.T) {
	f := newFixture(t, portalPage())
	svc := newService(t, f, llm.ReplierFunc(func(context.Context, string, string) string { return "" }))
	callsBefore := f.page.Calls()

	for _, message := range []string{"", "   ", "\n\t"} {
		_, err := svc.Process(context.Background(), f.id, message)
		assert.ErrorIs(t, err, ErrEmptyMessage)

		_, err = svc.Process(context.Background(), "missing", message)
		assert.ErrorIs(t, err, ErrEmptyMessage, "validation precedes lookup")
	}
	assert.Equal(t, callsBefore, f.page.Calls())
}

func TestProcess_RecordsExcerptFailure(t *testing.T) {
	page := portalPage()
	page.TextErr = errors.New("evaluation failed")
	page.HTML = "<body><div>OA</div></body>"
	f := newFixture(t, page)

	var gotExcerpt string
	svc := newService(t, f, llm.ReplierFunc(func(_ context.Context, _, excerpt string) string {
		gotExcerpt = excerpt
		return "ok"
	}))

	_, err := svc.Process(context.Background(), f.id, "hello")
	require.NoError(t, err)
	assert.Equal(t, "OA", gotExcerpt)

	s, ok := f.registry.Lookup(f.id)
	require.True(t, ok)
	assert.Contains(t, s.LastError(), "evaluation failed")
}

func TestProcess_HoldsSessionThroughReply(t *testing.T) {
	f := newFixture(t, portalPage())

	var acquireErr error
	svc := newService(t, f, llm.ReplierFunc(func(context.Context, string, string) string {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, acquireErr = f.registry.Acquire(ctx, f.id)
		return "ok"
	}))

	_, err := svc.Process(context.Background(), f.id, "hello")
	require.NoError(t, err)
	assert.ErrorIs(t, acquireErr, context.DeadlineExceeded)

	// released afterwards
	lease, err := f.registry.Acquire(context.Background(), f.id)
	require.NoError(t, err)
	lease.Release()
}

func TestProcess_SerializedWithOtherOperations(t *testing.T) {
	page := portalPage()
	page.Delay = 2 * time.Millisecond
	f := newFixture(t, page)
	svc := newService(t, f, llm.ReplierFunc(func(context.Context, string, string) string { return "ok" }))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := svc.Process(ctx, f.id, "oa ehr refresh")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.registry.Status(ctx, f.id)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.registry.QRImage(ctx, f.id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, page.MaxInFlight())
}

func TestProcess_CancelledWhileWaiting(t *testing.T) {
	f := newFixture(t, portalPage())
	svc := newService(t, f, llm.ReplierFunc(func(context.Context, string, string) string { return "ok" }))

	held, err := f.registry.Acquire(context.Background(), f.id)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.Process(ctx, f.id, "oa")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.page.Clicks())
}
