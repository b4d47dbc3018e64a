package testutil

import (
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
)

// TextLine builds a narrative line with a single literal part.
func TextLine(text string) script.Line {
	return script.Line{
		Kind: script.LineText,
		Text: script.TextLine{Parts: []script.SubText{script.Lit(text)}},
	}
}

// SwitchLine builds a branch line with the given labels.
func SwitchLine(labels ...string) script.Line {
	return script.Line{Kind: script.LineSwitch, Switches: labels}
}

// NextTo builds a next-paragraph expression pointing at a literal tag.
func NextTo(tag string) *script.TextLine {
	return &script.TextLine{Parts: []script.SubText{script.Lit(tag)}}
}

// BuildStory assembles an in-memory monolingual story for tests.
// paras maps base id to the paragraphs filed under it, all in "en".
func BuildStory(title, start string, paras map[string][]story.Paragraph) *story.Game {
	cfg := story.Config{Title: title, BaseLang: "en", Start: start}
	return story.Build(cfg, map[string]map[string][]story.Paragraph{"en": paras}, nil, zap.NewNop())
}

// BuildContext wraps BuildStory in a ready engine context.
func BuildContext(title, start string, paras map[string][]story.Paragraph) *engine.Context {
	return engine.New(BuildStory(title, start, paras), nil, engine.FrontendText, zap.NewNop())
}
