package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/game/session"
	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
	"github.com/641i130/Ayaka/testutil"
)

// ---- 测试辅助 ----

// mockStore 记录保存调用并允许注入读写错误。
type mockStore struct {
	settings *session.Settings
	global   *session.GlobalRecord
	records  []session.ActionRecord
	loadErr  error
	saveErr  error

	savedTitle    string
	savedSettings *session.Settings
	savedGlobal   *session.GlobalRecord
	savedRecords  []session.ActionRecord
}

func (m *mockStore) LoadSettings(context.Context) (session.Settings, bool, error) {
	if m.loadErr != nil {
		return session.Settings{}, false, m.loadErr
	}
	if m.settings == nil {
		return session.Settings{}, false, nil
	}
	return *m.settings, true, nil
}

func (m *mockStore) SaveSettings(_ context.Context, st session.Settings) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedSettings = &st
	return nil
}

func (m *mockStore) LoadGlobalRecord(_ context.Context, _ string) (*session.GlobalRecord, bool, error) {
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	if m.global == nil {
		return nil, false, nil
	}
	return m.global, true, nil
}

func (m *mockStore) SaveGlobalRecord(_ context.Context, title string, rec *session.GlobalRecord) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedTitle = title
	m.savedGlobal = rec
	return nil
}

func (m *mockStore) LoadRecords(_ context.Context, _ string) ([]session.ActionRecord, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.records, nil
}

func (m *mockStore) SaveRecords(_ context.Context, title string, recs []session.ActionRecord) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedTitle = title
	m.savedRecords = recs
	return nil
}

// threeLineContext 单段三行纯文本故事。
func threeLineContext() *engine.Context {
	return testutil.BuildContext("demo", "p1", map[string][]story.Paragraph{
		"p1": {{Tag: "p1", Texts: []script.Line{
			testutil.TextLine("one"),
			testutil.TextLine("two"),
			testutil.TextLine("three"),
		}}},
	})
}

// switchContext 文本、分支、文本三行的故事。
func switchContext() *engine.Context {
	return testutil.BuildContext("demo", "p1", map[string][]story.Paragraph{
		"p1": {{Tag: "p1", Texts: []script.Line{
			testutil.TextLine("one"),
			testutil.SwitchLine("A", "B"),
			testutil.TextLine("end"),
		}}},
	})
}

func openSession(t *testing.T, eng *engine.Context, store session.Store) *session.Session {
	t.Helper()
	s := session.New(eng, store, zap.NewNop())
	s.OpenGame(context.Background(), nil)
	require.True(t, s.Opened())
	return s
}

func mustStep(t *testing.T, s *session.Session) story.Cursor {
	t.Helper()
	snap, ok, err := s.Step()
	require.NoError(t, err)
	require.True(t, ok)
	return snap
}

func currentText(t *testing.T, s *session.Session) string {
	t.Helper()
	pair, present, err := s.CurrentActions()
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, engine.ActionKindText, pair.Primary.Kind)
	return pair.Primary.Text.String()
}

// ---- OpenGame ----

func TestSession_OpenGame_MilestoneOrder(t *testing.T) {
	start := story.Cursor{BasePara: "p1", Para: "p1", Act: 0, Locals: script.VarMap{}}
	store := &mockStore{
		settings: &session.Settings{Lang: "en"},
		global:   session.RestoreGlobalRecord([]session.Position{session.PositionOf(start)}, nil),
		records:  []session.ActionRecord{{History: []story.Cursor{start}}},
	}
	s := session.New(threeLineContext(), store, zap.NewNop())

	var got []session.OpenGameStatus
	s.OpenGame(context.Background(), func(st session.OpenGameStatus) { got = append(got, st) })

	require.Equal(t, []session.OpenGameStatus{
		session.StatusLoadSettings,
		session.StatusLoadGlobalRecords,
		session.StatusLoadRecords,
		session.StatusLoaded,
	}, got)
	assert.True(t, s.Opened())
	assert.Equal(t, "en", s.Settings().Lang)
	assert.Equal(t, 1, s.Global().Len())
	assert.Len(t, s.Records(), 1)
}

func TestSession_OpenGame_StoreFailureFallsBack(t *testing.T) {
	store := &mockStore{loadErr: errors.New("boom")}
	s := session.New(threeLineContext(), store, zap.NewNop())
	s.OpenGame(context.Background(), nil)

	assert.Equal(t, "en", s.Settings().Lang, "defaults to the base language")
	assert.Empty(t, s.Records())
	assert.Equal(t, 0, s.Global().Len())
}

func TestSession_OpenGame_DefaultSettingsOnFreshProfile(t *testing.T) {
	s := session.New(threeLineContext(), session.NewMemoryStore(), zap.NewNop())
	s.SetDefaultSettings(session.Settings{Lang: "zh", SubLang: "en"})
	s.OpenGame(context.Background(), nil)

	assert.Equal(t, "zh", s.Settings().Lang)
	assert.Equal(t, "en", s.Settings().SubLang)
}

func TestSession_OpenGame_StoredSettingsBeatDefaults(t *testing.T) {
	store := &mockStore{settings: &session.Settings{Lang: "en"}}
	s := session.New(threeLineContext(), store, zap.NewNop())
	s.SetDefaultSettings(session.Settings{Lang: "zh", SubLang: "en"})
	s.OpenGame(context.Background(), nil)

	assert.Equal(t, "en", s.Settings().Lang)
	assert.Empty(t, s.Settings().SubLang, "stored settings are not mixed with defaults")
}

func TestSession_PanicsBeforeOpen(t *testing.T) {
	s := session.New(threeLineContext(), session.NewMemoryStore(), zap.NewNop())
	assert.Panics(t, func() { s.Step() })
	assert.Panics(t, func() { s.CurrentRun() })
	assert.Panics(t, func() { s.SaveTo(0) })
	assert.Panics(t, func() { s.Settings() })
}

// ---- 推进与历史 ----

func TestSession_Step_RecordsHistoryAndLedger(t *testing.T) {
	s := openSession(t, switchContext(), nil)

	snap := mustStep(t, s)
	assert.Equal(t, 0, snap.Act)
	assert.Len(t, s.History().History, 1)
	assert.Equal(t, "one", currentText(t, s))

	// 分支行不进历史，但计入全局账本。
	mustStep(t, s)
	assert.Len(t, s.History().History, 1)
	assert.Equal(t, 2, s.Global().Len())
	assert.True(t, s.CurrentVisited())

	pair, present, err := s.CurrentActions()
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, engine.ActionKindSwitches, pair.Primary.Kind)
	require.Len(t, pair.Primary.Switches, 2)

	s.SelectSwitch(0)
	mustStep(t, s)
	assert.Equal(t, "end", currentText(t, s))
	assert.Len(t, s.History().History, 2)
}

func TestSession_Step_StoryEnd(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	for i := 0; i < 3; i++ {
		mustStep(t, s)
	}
	_, ok, err := s.Step()
	require.NoError(t, err)
	assert.False(t, ok)

	_, present := s.CurrentRun()
	assert.False(t, present)
	_, present, err = s.CurrentActions()
	require.NoError(t, err)
	assert.False(t, present)
	// 历史保持完整，仍可回退。
	assert.Len(t, s.History().History, 3)
}

func TestSession_GoBack_RoundTrip(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	mustStep(t, s)
	mustStep(t, s)
	mustStep(t, s)
	before, present, err := s.CurrentActions()
	require.NoError(t, err)
	require.True(t, present)

	require.True(t, s.GoBack())
	assert.Len(t, s.History().History, 2)
	assert.Equal(t, "two", currentText(t, s))

	mustStep(t, s)
	after, present, err := s.CurrentActions()
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, before, after, "re-stepping renders the same action")
	assert.Len(t, s.History().History, 3)
}

func TestSession_GoBack_NeverBelowOne(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	assert.False(t, s.GoBack(), "empty history")

	mustStep(t, s)
	assert.False(t, s.GoBack(), "single entry stays")
	assert.Len(t, s.History().History, 1)
	assert.Equal(t, "one", currentText(t, s))
}

// ---- 续玩与存档 ----

func TestSession_ResumeSlot_ContinuesAfterSavedPoint(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	mustStep(t, s)
	mustStep(t, s)
	s.SaveTo(0)
	mustStep(t, s)
	assert.Equal(t, "three", currentText(t, s))

	require.NoError(t, s.ResumeSlot(0))
	assert.Len(t, s.History().History, 2)
	assert.Equal(t, "two", currentText(t, s))

	mustStep(t, s)
	assert.Equal(t, "three", currentText(t, s))
	assert.Len(t, s.History().History, 3)
}

func TestSession_ResumeFrom_EmptyStartsNew(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	mustStep(t, s)
	mustStep(t, s)

	s.ResumeFrom(session.ActionRecord{})
	_, present := s.CurrentRun()
	assert.False(t, present)
	assert.Empty(t, s.History().History)

	mustStep(t, s)
	assert.Equal(t, "one", currentText(t, s))
}

func TestSession_ResumeSlot_OutOfRange(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	err := s.ResumeSlot(3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no record in slot")
}

func TestSession_SaveTo_ReplaceOrAppend(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	mustStep(t, s)
	s.SaveTo(5)
	require.Len(t, s.Records(), 1, "out-of-range slot appends")

	mustStep(t, s)
	s.SaveTo(0)
	recs := s.Records()
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].History, 2, "in-range slot replaces")

	s.SaveTo(1)
	assert.Len(t, s.Records(), 2)
}

func TestSession_RecordsText(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	s.SaveTo(0) // 空历史存档
	mustStep(t, s)
	s.SaveTo(1)

	texts := s.RecordsText()
	require.Len(t, texts, 2)
	assert.Empty(t, texts[0].String())
	assert.Equal(t, "one", texts[1].String())
}

func TestSession_StartNew_Resets(t *testing.T) {
	s := openSession(t, threeLineContext(), nil)
	mustStep(t, s)
	mustStep(t, s)

	s.StartNew()
	assert.Empty(t, s.History().History)
	_, present := s.CurrentRun()
	assert.False(t, present)

	mustStep(t, s)
	assert.Equal(t, "one", currentText(t, s))
}

// ---- 持久化 ----

func TestSession_PersistAll(t *testing.T) {
	store := &mockStore{}
	s := openSession(t, threeLineContext(), store)
	mustStep(t, s)
	s.SaveTo(0)
	s.SetSettings(session.Settings{Lang: "en", SubLang: "zh"})

	require.NoError(t, s.PersistAll(context.Background()))
	assert.Equal(t, "demo", store.savedTitle)
	require.NotNil(t, store.savedSettings)
	assert.Equal(t, "zh", store.savedSettings.SubLang)
	require.NotNil(t, store.savedGlobal)
	assert.Equal(t, 1, store.savedGlobal.Len())
	require.Len(t, store.savedRecords, 1)

	store.saveErr = errors.New("disk full")
	err := s.PersistAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// ---- 双语与设置 ----

func bilingualSession(t *testing.T) *session.Session {
	t.Helper()
	paras := map[string]map[string][]story.Paragraph{
		"en": {"p1": {{Tag: "p1", Title: "Chapter One", Texts: []script.Line{testutil.TextLine("hello")}}}},
		"zh": {"p1": {{Tag: "p1", Title: "第一章", Texts: []script.Line{testutil.TextLine("你好")}}}},
	}
	cfg := story.Config{Title: "demo", BaseLang: "en", Start: "p1"}
	game := story.Build(cfg, paras, nil, zap.NewNop())
	eng := engine.New(game, nil, engine.FrontendText, zap.NewNop())
	return openSession(t, eng, nil)
}

func TestSession_CurrentActions_Bilingual(t *testing.T) {
	s := bilingualSession(t)
	s.SetSettings(session.Settings{Lang: "zh", SubLang: "en"})
	mustStep(t, s)

	pair, present, err := s.CurrentActions()
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, "你好", pair.Primary.Text.String())
	require.NotNil(t, pair.Sub)
	assert.Equal(t, "hello", pair.Sub.Text.String())

	hist := s.CurrentHistory()
	require.Len(t, hist, 1)
	assert.Equal(t, pair, hist[0])
}

func TestSession_CurrentTitle(t *testing.T) {
	s := bilingualSession(t)
	assert.Equal(t, "Chapter One", s.CurrentTitle())

	s.SetSettings(session.Settings{Lang: "zh"})
	assert.Equal(t, "第一章", s.CurrentTitle())
}

func TestSession_SetSettings_EmptyLangFallsBack(t *testing.T) {
	s := bilingualSession(t)
	s.SetSettings(session.Settings{SubLang: "zh"})
	assert.Equal(t, "en", s.Settings().Lang)
}

func TestSession_AvailableLocales(t *testing.T) {
	s := bilingualSession(t)
	assert.Equal(t, []string{"en", "zh"}, s.AvailableLocales())
}
