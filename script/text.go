package script

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SubTextKind discriminates the node variants of a sub-text tree.
type SubTextKind uint8

const (
	SubLit SubTextKind = iota // literal text
	SubCmd                    // text command with arguments
)

// SubText is one node of a text's expression tree. A literal carries raw
// text; a command carries its name and one sub-text sequence per argument.
//
// In YAML a bare scalar is a literal, a mapping is either
// {lit: "..."} or {cmd: name, args: [[...], ...]}.
type SubText struct {
	Kind SubTextKind
	Text string      // literal text when Kind == SubLit
	Cmd  string      // command name when Kind == SubCmd
	Args [][]SubText // one sequence per argument
}

// Lit builds a literal node.
func Lit(text string) SubText { return SubText{Kind: SubLit, Text: text} }

// Cmd builds a command node.
func Cmd(name string, args ...[]SubText) SubText {
	return SubText{Kind: SubCmd, Cmd: name, Args: args}
}

// UnmarshalYAML decodes one node of the tree.
func (st *SubText) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var text string
		if err := node.Decode(&text); err != nil {
			return err
		}
		*st = Lit(text)
		return nil
	case yaml.MappingNode:
		var raw struct {
			Lit  *string     `yaml:"lit"`
			Cmd  string      `yaml:"cmd"`
			Args [][]SubText `yaml:"args"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if raw.Lit != nil {
			*st = Lit(*raw.Lit)
			return nil
		}
		if raw.Cmd == "" {
			return fmt.Errorf("script: sub-text mapping needs lit or cmd at line %d", node.Line)
		}
		*st = SubText{Kind: SubCmd, Cmd: raw.Cmd, Args: raw.Args}
		return nil
	}
	return fmt.Errorf("script: sub-text must be scalar or mapping, got %s at line %d", kindName(node.Kind), node.Line)
}

// TextLine is a dialogue text: an optional speaking character, an optional
// display-name override and the sub-text parts to interpret.
//
// In YAML a plain string is a single-literal line without character;
// a mapping gives {ch: tag, alias: name, parts: [...]}.
type TextLine struct {
	Ch    string
	Alias string
	Parts []SubText
}

// UnmarshalYAML accepts the scalar shorthand and the full mapping form.
func (t *TextLine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var text string
		if err := node.Decode(&text); err != nil {
			return err
		}
		*t = TextLine{Parts: []SubText{Lit(text)}}
		return nil
	case yaml.SequenceNode:
		var parts []SubText
		if err := node.Decode(&parts); err != nil {
			return err
		}
		*t = TextLine{Parts: parts}
		return nil
	case yaml.MappingNode:
		var raw struct {
			Ch    string    `yaml:"ch"`
			Alias string    `yaml:"alias"`
			Parts []SubText `yaml:"parts"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		*t = TextLine{Ch: raw.Ch, Alias: raw.Alias, Parts: raw.Parts}
		return nil
	}
	return fmt.Errorf("script: text must be scalar, sequence or mapping, got %s at line %d", kindName(node.Kind), node.Line)
}

// LineKind discriminates the line variants of a paragraph.
type LineKind uint8

const (
	LineEmpty LineKind = iota
	LineText
	LineSwitch
	LineCustom
)

// String returns the variant name for logs.
func (k LineKind) String() string {
	switch k {
	case LineEmpty:
		return "empty"
	case LineText:
		return "text"
	case LineSwitch:
		return "switch"
	case LineCustom:
		return "custom"
	}
	return "unknown"
}

// Line is one action of a paragraph. Exactly one variant is populated,
// selected by Kind.
//
// YAML forms:
//
//	~                 → empty
//	"hello"           → text (single literal)
//	text: {...}       → text (full form)
//	switches: [a, b]  → switch
//	video: {...}      → custom, Cmd = "video" (first mapping key)
type Line struct {
	Kind     LineKind
	Text     TextLine // LineText
	Switches []string // LineSwitch labels
	Cmd      string   // LineCustom command, the mapping's first key
	Props    VarMap   // LineCustom full property map
}

// UnmarshalYAML decodes one line, keeping the custom command's key order
// so the first key names the command.
func (l *Line) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "" {
			*l = Line{Kind: LineEmpty}
			return nil
		}
		var t TextLine
		if err := t.UnmarshalYAML(node); err != nil {
			return err
		}
		*l = Line{Kind: LineText, Text: t}
		return nil
	case yaml.MappingNode:
		if len(node.Content) < 2 {
			*l = Line{Kind: LineEmpty}
			return nil
		}
		first := node.Content[0].Value
		switch first {
		case "text":
			var t TextLine
			if err := node.Content[1].Decode(&t); err != nil {
				return err
			}
			*l = Line{Kind: LineText, Text: t}
			return nil
		case "switches":
			var labels []string
			if err := node.Content[1].Decode(&labels); err != nil {
				return err
			}
			*l = Line{Kind: LineSwitch, Switches: labels}
			return nil
		}
		var props VarMap
		if err := node.Decode(&props); err != nil {
			return err
		}
		*l = Line{Kind: LineCustom, Cmd: first, Props: props}
		return nil
	}
	return fmt.Errorf("script: line must be scalar or mapping, got %s at line %d", kindName(node.Kind), node.Line)
}
