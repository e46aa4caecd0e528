package service

import (
	"bytes"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	markdownEngine = goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Linkify),
		goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps(), goldmarkhtml.WithXHTML()),
	)
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
)

// RenderDescription 将习惯描述的 Markdown 渲染为经过清洗的 HTML
func RenderDescription(source string) string {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(trimmed), &buf); err != nil {
		return ugcPolicy.Sanitize(html.EscapeString(trimmed))
	}
	return ugcPolicy.Sanitize(buf.String())
}

// sanitizePlain 去掉名称中的全部标签，名称只作为纯文本展示
func sanitizePlain(input string) string {
	cleaned := strictPolicy.Sanitize(strings.TrimSpace(input))
	return html.UnescapeString(cleaned)
}
