// Package engine 实现故事执行核心：光标推进状态机、双语回退合并、
// 文本插值与插件分发。包内只依赖静态故事模型与 Runtime 接口，
// 不关心插件如何实现。
package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/641i130/Ayaka/script"
)

// ---- 渲染片段 ----

// FragmentKind 片段类型：chars 可与相邻字符片段合并，block 保持原子。
type FragmentKind string

const (
	FragChars FragmentKind = "chars"
	FragBlock FragmentKind = "block"
)

// Fragment 渲染文本的一个片段。
type Fragment struct {
	Kind FragmentKind `json:"kind"`
	Text string       `json:"text"`
}

// ---- 文本动作 ----

// ActionText 文本行插值后的渲染结果。
// ChKey 为说话角色标签，Character 为展示名，空串表示缺省。
type ActionText struct {
	Fragments []Fragment    `json:"fragments"`
	ChKey     string        `json:"ch_key,omitempty"`
	Character string        `json:"character,omitempty"`
	Vars      script.VarMap `json:"vars,omitempty"`
}

// PushChars 追加字符文本，若末尾已是字符片段则并入其中。
func (a *ActionText) PushChars(s string) {
	if n := len(a.Fragments); n > 0 && a.Fragments[n-1].Kind == FragChars {
		a.Fragments[n-1].Text += s
		return
	}
	a.Fragments = append(a.Fragments, Fragment{Kind: FragChars, Text: s})
}

// PushBlock 追加一个原子片段（资源、变量、插件产出）。
func (a *ActionText) PushBlock(s string) {
	a.Fragments = append(a.Fragments, Fragment{Kind: FragBlock, Text: s})
}

// Append 把另一段结果接在末尾：片段整体追加，变量并入（后写覆盖）。
func (a *ActionText) Append(other ActionText) {
	a.Fragments = append(a.Fragments, other.Fragments...)
	if len(other.Vars) > 0 {
		if a.Vars == nil {
			a.Vars = script.VarMap{}
		}
		a.Vars.Merge(other.Vars)
	}
}

// String 拼接全部片段文本。
func (a ActionText) String() string {
	var sb strings.Builder
	for _, f := range a.Fragments {
		sb.WriteString(f.Text)
	}
	return sb.String()
}

// TrimSpace 从两端丢弃整段空白的片段，只按整片段弹出，不截断内容。
func (a *ActionText) TrimSpace() {
	frags := a.Fragments
	for len(frags) > 0 && strings.TrimSpace(frags[len(frags)-1].Text) == "" {
		frags = frags[:len(frags)-1]
	}
	for len(frags) > 0 && strings.TrimSpace(frags[0].Text) == "" {
		frags = frags[1:]
	}
	a.Fragments = frags
}

// ---- 开关动作 ----

// Switch 一个可选分支项。
type Switch struct {
	Text    string `json:"text"`
	Enabled bool   `json:"enabled"`
}

// ---- 动作变体 ----

// ActionKind 动作变体标签。
type ActionKind uint8

const (
	ActionKindText ActionKind = iota
	ActionKindSwitches
	ActionKindCustom
)

// String 返回变体的线上名称。
func (k ActionKind) String() string {
	switch k {
	case ActionKindText:
		return "text"
	case ActionKindSwitches:
		return "switches"
	case ActionKindCustom:
		return "custom"
	}
	return "unknown"
}

// Action 一次推进对应的渲染单元，密封变体，由 Kind 指定有效字段。
// 线上编码为 {"t": "...", "data": ...}。
type Action struct {
	Kind     ActionKind
	Text     ActionText    // ActionKindText
	Switches []Switch      // ActionKindSwitches
	Vars     script.VarMap // ActionKindCustom
}

type wireAction struct {
	T    string          `json:"t"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON 编码为带变体标签的线上形式。
func (a Action) MarshalJSON() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch a.Kind {
	case ActionKindText:
		data, err = json.Marshal(a.Text)
	case ActionKindSwitches:
		sw := a.Switches
		if sw == nil {
			sw = []Switch{}
		}
		data, err = json.Marshal(sw)
	case ActionKindCustom:
		vars := a.Vars
		if vars == nil {
			vars = script.VarMap{}
		}
		data, err = json.Marshal(vars)
	default:
		return nil, fmt.Errorf("engine: unknown action kind %d", a.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireAction{T: a.Kind.String(), Data: data})
}

// UnmarshalJSON 解码线上形式。
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.T {
	case "text":
		*a = Action{Kind: ActionKindText}
		return json.Unmarshal(w.Data, &a.Text)
	case "switches":
		*a = Action{Kind: ActionKindSwitches}
		return json.Unmarshal(w.Data, &a.Switches)
	case "custom":
		*a = Action{Kind: ActionKindCustom}
		return json.Unmarshal(w.Data, &a.Vars)
	}
	return fmt.Errorf("engine: unknown action tag %q", w.T)
}
