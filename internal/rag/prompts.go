package rag

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WelcomeMarker 欢迎消息中的标记文本，带该标记的消息不进入改写历史
const WelcomeMarker = "Bienvenido a StartupLab"

const contextPlaceholder = "{{context}}"

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// PromptSet 各阶段使用的提示词和固定文案
type PromptSet struct {
	Rewrite         string `yaml:"rewrite"`
	Rerank          string `yaml:"rerank"`
	Grounded        string `yaml:"grounded"`
	Ungrounded      string `yaml:"ungrounded"`
	Greeting        string `yaml:"greeting"`
	NewChatGreeting string `yaml:"new_chat_greeting"`
	ErrorMessage    string `yaml:"error_message"`
	CompletedMarker string `yaml:"completed_marker"`
}

// DefaultPrompts 返回内置模板
func DefaultPrompts() *PromptSet {
	var p PromptSet
	if err := yaml.Unmarshal(defaultPromptsYAML, &p); err != nil {
		panic(fmt.Sprintf("内置提示词模板无效: %v", err))
	}
	return &p
}

// LoadPrompts 读取覆盖文件，未给出的字段沿用内置模板
// path 为空时直接返回内置模板
func LoadPrompts(path string) (*PromptSet, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取提示词文件失败: %w", err)
	}
	var override PromptSet
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("解析提示词文件失败: %w", err)
	}
	p.merge(&override)
	return p, nil
}

func (p *PromptSet) merge(o *PromptSet) {
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&p.Rewrite, o.Rewrite)
	set(&p.Rerank, o.Rerank)
	set(&p.Grounded, o.Grounded)
	set(&p.Ungrounded, o.Ungrounded)
	set(&p.Greeting, o.Greeting)
	set(&p.NewChatGreeting, o.NewChatGreeting)
	set(&p.ErrorMessage, o.ErrorMessage)
	set(&p.CompletedMarker, o.CompletedMarker)
}

// SystemPrompt 有上下文时使用 grounded 模板，否则使用 ungrounded 模板
func (p *PromptSet) SystemPrompt(context string) string {
	if context == "" {
		return p.Ungrounded
	}
	return strings.ReplaceAll(p.Grounded, contextPlaceholder, context)
}
