package story

import (
	"sort"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/641i130/Ayaka/script"
)

// Config is the story-level configuration read from the story's
// config.yaml. Props is free-form game metadata handed to plugins; the
// game-preprocess hook may patch it before the session starts.
type Config struct {
	Title    string            `yaml:"title"`
	Author   string            `yaml:"author"`
	BaseLang string            `yaml:"base_lang"`
	ParasDir string            `yaml:"paras"`
	ResDir   string            `yaml:"res"`
	Start    string            `yaml:"start"`
	Props    map[string]string `yaml:"props"`
}

// Paragraph is a named block of sequential lines. Next, when present,
// evaluates to the id of the following paragraph once the lines run out.
type Paragraph struct {
	Tag   string           `yaml:"tag"`
	Title string           `yaml:"title"`
	Texts []script.Line    `yaml:"texts"`
	Next  *script.TextLine `yaml:"next"`
}

// Game is the immutable story model: configuration plus locale-indexed
// paragraph and resource tables. Built once by the loader, read-only
// afterwards (only Config.Props may still be patched by the
// game-preprocess plugin hook before play starts).
type Game struct {
	Config

	// Paras maps locale key → base paragraph id → paragraph list.
	Paras map[string]map[string][]Paragraph
	// Res maps locale key → resource table.
	Res map[string]script.VarMap

	locales []string
	matcher language.Matcher
}

// Build assembles a Game from loaded parts and indexes its locales.
func Build(cfg Config, paras map[string]map[string][]Paragraph, res map[string]script.VarMap, log *zap.Logger) *Game {
	if log == nil {
		log = zap.NewNop()
	}
	if paras == nil {
		paras = map[string]map[string][]Paragraph{}
	}
	if res == nil {
		res = map[string]script.VarMap{}
	}
	g := &Game{Config: cfg, Paras: paras, Res: res}
	g.buildMatcher()
	if _, ok := paras[cfg.BaseLang]; !ok {
		log.Warn("story: no paragraphs for base language", zap.String("lang", cfg.BaseLang))
	}
	return g
}

// buildMatcher indexes the available locale keys for ResolveLocale.
// The base language sits first so unmatchable requests land on it.
func (g *Game) buildMatcher() {
	seen := map[string]bool{g.Config.BaseLang: true}
	keys := []string{g.Config.BaseLang}
	for loc := range g.Paras {
		if !seen[loc] {
			seen[loc] = true
			keys = append(keys, loc)
		}
	}
	for loc := range g.Res {
		if !seen[loc] {
			seen[loc] = true
			keys = append(keys, loc)
		}
	}
	sort.Strings(keys[1:])

	tags := make([]language.Tag, 0, len(keys))
	locales := make([]string, 0, len(keys))
	for _, key := range keys {
		tag, err := language.Parse(key)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		locales = append(locales, key)
	}
	g.locales = locales
	g.matcher = language.NewMatcher(tags)
}

// Locales returns the available locale keys, base language first.
func (g *Game) Locales() []string {
	out := make([]string, len(g.locales))
	copy(out, g.locales)
	return out
}

// ResolveLocale matches a requested BCP-47 locale against the available
// ones and returns the chosen locale key. Empty or unparsable requests
// resolve to the base language.
func (g *Game) ResolveLocale(requested string) string {
	if requested == "" || g.matcher == nil {
		return g.Config.BaseLang
	}
	tag, err := language.Parse(requested)
	if err != nil {
		return g.Config.BaseLang
	}
	_, idx, _ := g.matcher.Match(tag)
	if idx < 0 || idx >= len(g.locales) {
		return g.Config.BaseLang
	}
	return g.locales[idx]
}

// FindPara returns the paragraph tagged tag inside base's list for an
// exact locale key, or nil.
func (g *Game) FindPara(locale, base, tag string) *Paragraph {
	byBase, ok := g.Paras[locale]
	if !ok {
		return nil
	}
	paras, ok := byBase[base]
	if !ok {
		return nil
	}
	for i := range paras {
		if paras[i].Tag == tag {
			return &paras[i]
		}
	}
	return nil
}

// FindParaFallback pairs the requested-locale paragraph with the
// base-locale one. When locale is the base language the primary side is
// left empty so the pair degenerates to the base lookup.
func (g *Game) FindParaFallback(locale, base, tag string) Fallback[Paragraph] {
	var primary *Paragraph
	if locale != g.Config.BaseLang {
		primary = g.FindPara(locale, base, tag)
	}
	return NewFallback(primary, g.FindPara(g.Config.BaseLang, base, tag))
}

// FindResFallback pairs the requested-locale resource table with the
// base-locale one, same degeneration rule as FindParaFallback.
func (g *Game) FindResFallback(locale string) Fallback[script.VarMap] {
	var primary *script.VarMap
	if locale != g.Config.BaseLang {
		if m, ok := g.Res[locale]; ok {
			primary = &m
		}
	}
	var secondary *script.VarMap
	if m, ok := g.Res[g.Config.BaseLang]; ok {
		secondary = &m
	}
	return NewFallback(primary, secondary)
}

// FindRes looks a key up through the locale fallback: the requested
// locale's table first, then the base language's.
func (g *Game) FindRes(locale, key string) (script.Value, bool) {
	return AndThen(g.FindResFallback(locale), func(m *script.VarMap) (script.Value, bool) {
		v, ok := (*m)[key]
		return v, ok
	})
}

// StartCursor returns the cursor at the story's configured start
// paragraph, acting as its own base.
func (g *Game) StartCursor() Cursor {
	return Cursor{
		BasePara: g.Config.Start,
		Para:     g.Config.Start,
		Act:      0,
		Locals:   script.VarMap{},
	}
}
