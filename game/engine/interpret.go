package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
)

// ---- 动作渲染 ----

// GetAction 把光标指向的行渲染成动作：两个语言侧各自独立插值，
// 再按变体合并，文本动作最后过一遍后处理链并修剪两端空白片段。
// locale 须是已解析的可用语言键。
func (c *Context) GetAction(locale string, cur story.Cursor) (Action, error) {
	paraFB := c.game.FindParaFallback(locale, cur.BasePara, cur.Para)
	lineFB := story.MapFallback(paraFB, func(p *story.Paragraph) *script.Line {
		if cur.Act >= 0 && cur.Act < len(p.Texts) {
			return &p.Texts[cur.Act]
		}
		return nil
	})

	primary := c.lineAction(locale, lineFB.Primary(), cur)
	secondary := c.lineAction(locale, lineFB.Secondary(), cur)

	act, err := mergeAction(story.NewFallback(primary, secondary))
	if err != nil {
		return Action{}, err
	}
	if act.Kind == ActionKindText {
		if err := c.processActionText(cur, &act.Text); err != nil {
			return Action{}, err
		}
	}
	return act, nil
}

// lineAction 把单侧的行解成动作，nil 表示该侧缺席。
// 文本侧插值失败按可恢复处理：记日志后当作缺席，让另一侧顶上。
func (c *Context) lineAction(locale string, line *script.Line, cur story.Cursor) *Action {
	if line == nil {
		return nil
	}
	switch line.Kind {
	case script.LineText:
		at, err := c.parseText(locale, line.Text, cur)
		if err != nil {
			c.log.Warn("interpret text failed",
				zap.String("para", cur.Para), zap.Int("act", cur.Act), zap.Error(err))
			return nil
		}
		return &Action{Kind: ActionKindText, Text: at}
	case script.LineSwitch:
		return &Action{Kind: ActionKindSwitches, Switches: c.parseSwitches(line.Switches)}
	case script.LineCustom:
		return &Action{Kind: ActionKindCustom, Vars: c.vars.Clone()}
	}
	return nil
}

// parseText 插值一条文本行。说话角色展示名优先取行内别名，
// 其次查资源 "ch_"+标签（经语言回退）。
func (c *Context) parseText(locale string, t script.TextLine, cur story.Cursor) (ActionText, error) {
	at := ActionText{ChKey: t.Ch}
	if t.Alias != "" {
		at.Character = t.Alias
	} else if v, ok := c.game.FindRes(locale, "ch_"+t.Ch); ok {
		at.Character = v.AsStr()
	}
	for _, part := range t.Parts {
		sub, err := c.parseSubText(part, locale, cur.Locals)
		if err != nil {
			return ActionText{}, err
		}
		at.Append(sub)
	}
	return at, nil
}

// parseSubText 深度优先求值一个子文本节点。locale 为空串表示无语言
// 环境（next 表达式求值），此时 res 命令不贡献任何内容。
// res、var 的键缺失只告警不报错；未知命令静默跳过以兼容缺席的可选
// 插件，命中的文本命令处理器失败则向上传播。
func (c *Context) parseSubText(node script.SubText, locale string, locals script.VarMap) (ActionText, error) {
	var at ActionText
	switch node.Kind {
	case script.SubLit:
		at.PushChars(node.Text)
	case script.SubCmd:
		args := make([]string, 0, len(node.Args))
		for _, seq := range node.Args {
			var sb strings.Builder
			for _, arg := range seq {
				sub, err := c.parseSubText(arg, locale, locals)
				if err != nil {
					return ActionText{}, err
				}
				sb.WriteString(sub.String())
			}
			args = append(args, sb.String())
		}

		switch node.Cmd {
		case "res":
			if locale == "" {
				break
			}
			if len(args) != 1 {
				c.log.Warn("res expects one argument", zap.Int("got", len(args)))
			}
			if len(args) > 0 {
				if v, ok := c.game.FindRes(locale, args[0]); ok {
					at.PushBlock(v.AsStr())
				} else {
					c.log.Warn("resource not found", zap.String("key", args[0]))
				}
			}
		case "var":
			if len(args) != 1 {
				c.log.Warn("var expects one argument", zap.Int("got", len(args)))
			}
			if len(args) > 0 {
				if v, ok := locals[args[0]]; ok {
					at.PushBlock(v.AsStr())
				} else {
					c.log.Warn("variable not found", zap.String("key", args[0]))
				}
			}
		default:
			if c.runtime.HasTextCommand(node.Cmd) {
				res, err := c.runtime.DispatchText(node.Cmd, TextDispatch{
					Args:      args,
					GameProps: c.game.Config.Props,
					Frontend:  c.frontend,
				})
				if err != nil {
					return ActionText{}, fmt.Errorf("engine: dispatch text %q: %w", node.Cmd, err)
				}
				at.Append(ActionText{Fragments: res.Fragments, Vars: res.Vars})
			}
		}
	}
	return at, nil
}

// parseSwitches 把开关行标签与暂存的可用标志配对，截短到较短一侧。
func (c *Context) parseSwitches(labels []string) []Switch {
	n := len(labels)
	if len(c.switches) < n {
		n = len(c.switches)
	}
	out := make([]Switch, n)
	for i := 0; i < n; i++ {
		out[i] = Switch{Text: labels[i], Enabled: c.switches[i]}
	}
	return out
}

// evalNext 求值段落的 next 表达式得到下一段落 id，结果去除首尾空白。
// 表达式缺失、求值失败（记日志）皆得空串，即故事走向结束。
func (c *Context) evalNext(next *script.TextLine, locals script.VarMap) string {
	if next == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range next.Parts {
		sub, err := c.parseSubText(part, "", locals)
		if err != nil {
			c.log.Warn("next paragraph eval failed", zap.Error(err))
			return ""
		}
		sb.WriteString(sub.String())
	}
	return strings.TrimSpace(sb.String())
}

// ---- 回退合并 ----

// mergeAction 合并双语动作对。两侧皆缺席得空文本动作；仅一侧在场
// 原样采用；两侧同变体按各自规则合并，变体不同是致命错误：
// 文本取主侧片段（空则取次侧）、角色字段主侧优先、变量并集主侧优先；
// 开关文案取主侧、可用标志以次侧（基准语言）为准；
// 自定义变量并集主侧优先。
func mergeAction(fb story.Fallback[Action]) (Action, error) {
	primary, secondary := fb.Unzip()
	switch {
	case primary == nil && secondary == nil:
		return Action{Kind: ActionKindText}, nil
	case primary == nil:
		return *secondary, nil
	case secondary == nil:
		return *primary, nil
	}
	if primary.Kind != secondary.Kind {
		return Action{}, fmt.Errorf("%w: %s vs %s", ErrMismatchedAction, primary.Kind, secondary.Kind)
	}

	switch primary.Kind {
	case ActionKindText:
		out := ActionText{
			Fragments: primary.Text.Fragments,
			ChKey:     primary.Text.ChKey,
			Character: primary.Text.Character,
		}
		if len(out.Fragments) == 0 {
			out.Fragments = secondary.Text.Fragments
		}
		if out.ChKey == "" {
			out.ChKey = secondary.Text.ChKey
		}
		if out.Character == "" {
			out.Character = secondary.Text.Character
		}
		if len(primary.Text.Vars) > 0 || len(secondary.Text.Vars) > 0 {
			out.Vars = primary.Text.Vars.Clone()
			out.Vars.MergeKeep(secondary.Text.Vars)
		}
		return Action{Kind: ActionKindText, Text: out}, nil

	case ActionKindSwitches:
		out := make([]Switch, len(primary.Switches))
		copy(out, primary.Switches)
		for i := range out {
			if i < len(secondary.Switches) {
				out[i].Enabled = secondary.Switches[i].Enabled
			}
		}
		return Action{Kind: ActionKindSwitches, Switches: out}, nil

	case ActionKindCustom:
		vars := primary.Vars.Clone()
		vars.MergeKeep(secondary.Vars)
		return Action{Kind: ActionKindCustom, Vars: vars}, nil
	}
	return Action{}, fmt.Errorf("engine: unknown action kind %d", primary.Kind)
}

// processActionText 跑动作后处理链，然后再修剪一次两端空白片段。
func (c *Context) processActionText(cur story.Cursor, at *ActionText) error {
	out, err := c.runtime.ProcessAction(ActionDispatch{
		GameProps: c.game.Config.Props,
		Frontend:  c.frontend,
		Cursor:    cur,
		Action:    *at,
	})
	if err != nil {
		return fmt.Errorf("engine: process action: %w", err)
	}
	*at = out
	at.TrimSpace()
	return nil
}
