package richtext

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRejectsInvalidTrees(testContext *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "malformed", raw: "{not json"},
		{name: "wrong root", raw: `{"type":"paragraph","content":[]}`},
		{name: "missing content", raw: `{"type":"doc"}`},
		{name: "untyped child", raw: `{"type":"doc","content":[{"text":"x"}]}`},
		{name: "nested doc", raw: `{"type":"doc","content":[{"type":"doc","content":[]}]}`},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			_, err := Parse([]byte(testCase.raw))
			if !errors.Is(err, ErrInvalidTree) {
				t.Fatalf("expected ErrInvalidTree, got %v", err)
			}
		})
	}
}

func TestParseAcceptsEmptyDocument(testContext *testing.T) {
	raw, err := Empty().JSON()
	if err != nil {
		testContext.Fatalf("encode empty document: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		testContext.Fatalf("parse empty document: %v", err)
	}
	if !parsed.Equal(Empty()) {
		testContext.Fatalf("expected round trip of empty document, got %s", raw)
	}
}

func TestRenderHTMLEscapesTextAndAppliesMarks(testContext *testing.T) {
	doc := Node{Type: TypeDoc, Content: []Node{
		{Type: "heading", Attrs: map[string]any{"level": float64(2)}, Content: []Node{{Type: "text", Text: "Plan"}}},
		{Type: "paragraph", Content: []Node{
			{Type: "text", Text: "a < b", Marks: []Mark{{Type: "bold"}}},
			{Type: "text", Text: " see ", Marks: nil},
			{Type: "text", Text: "docs", Marks: []Mark{{Type: "link", Attrs: map[string]any{"href": "https://example.com/?a=1&b=2"}}}},
		}},
		{Type: "codeBlock", Content: []Node{{Type: "text", Text: "if x < 1 {}"}}},
	}}

	rendered := RenderHTML(doc)
	expectedFragments := []string{
		"<h2>Plan</h2>",
		"<strong>a &lt; b</strong>",
		`<a href="https://example.com/?a=1&amp;b=2">docs</a>`,
		"<pre><code>if x &lt; 1 {}</code></pre>",
	}
	for _, fragment := range expectedFragments {
		if !strings.Contains(rendered, fragment) {
			testContext.Fatalf("expected %q in rendered html:\n%s", fragment, rendered)
		}
	}
}

func TestPlainTextCollapsesWhitespacePerBlock(testContext *testing.T) {
	doc := Node{Type: TypeDoc, Content: []Node{
		{Type: "paragraph", Content: []Node{{Type: "text", Text: "  hello   "}, {Type: "hardBreak"}, {Type: "text", Text: "world"}}},
		{Type: "paragraph"},
		{Type: "bulletList", Content: []Node{
			{Type: "listItem", Content: []Node{{Type: "paragraph", Content: []Node{{Type: "text", Text: "first"}}}}},
		}},
	}}

	if got := PlainText(doc); got != "hello world\nfirst" {
		testContext.Fatalf("unexpected plain text %q", got)
	}
}

func TestAppendParagraphReplacesTrailingEmptyParagraph(testContext *testing.T) {
	doc := AppendParagraph(Empty(), "first")
	doc = AppendParagraph(doc, "second")

	if len(doc.Content) != 2 {
		testContext.Fatalf("expected two paragraphs, got %d", len(doc.Content))
	}
	if got := PlainText(doc); got != "first\nsecond" {
		testContext.Fatalf("unexpected text %q", got)
	}
	if err := doc.Validate(); err != nil {
		testContext.Fatalf("appended document invalid: %v", err)
	}
}
