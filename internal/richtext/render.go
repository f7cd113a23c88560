package richtext

import (
	"fmt"
	"html"
	"strings"
)

// RenderHTML converts a document tree into HTML.
func RenderHTML(doc Node) string {
	var builder strings.Builder
	renderNode(&builder, doc)
	return builder.String()
}

func renderNode(builder *strings.Builder, node Node) {
	switch node.Type {
	case TypeDoc:
		renderContent(builder, node.Content)
	case typeParagraph:
		wrap(builder, "<p>", "</p>\n", node.Content)
	case "heading":
		level := headingLevel(node.Attrs)
		wrap(builder, fmt.Sprintf("<h%d>", level), fmt.Sprintf("</h%d>\n", level), node.Content)
	case "bulletList":
		wrap(builder, "<ul>\n", "</ul>\n", node.Content)
	case "orderedList":
		wrap(builder, "<ol>\n", "</ol>\n", node.Content)
	case "listItem":
		wrap(builder, "<li>", "</li>\n", node.Content)
	case "blockquote":
		wrap(builder, "<blockquote>\n", "</blockquote>\n", node.Content)
	case "codeBlock":
		builder.WriteString("<pre><code>")
		var code strings.Builder
		for _, child := range node.Content {
			collectInline(child, &code)
		}
		builder.WriteString(html.EscapeString(code.String()))
		builder.WriteString("</code></pre>\n")
	case typeText:
		builder.WriteString(renderTextWithMarks(node.Text, node.Marks))
	case "hardBreak":
		builder.WriteString("<br>")
	case "table":
		wrap(builder, "<table>\n", "</table>\n", node.Content)
	case "tableRow":
		wrap(builder, "<tr>\n", "</tr>\n", node.Content)
	case "tableCell":
		wrap(builder, "<td>", "</td>\n", node.Content)
	case "tableHeader":
		wrap(builder, "<th>", "</th>\n", node.Content)
	case "horizontalRule":
		builder.WriteString("<hr>\n")
	default:
		renderContent(builder, node.Content)
	}
}

func wrap(builder *strings.Builder, open, closing string, content []Node) {
	builder.WriteString(open)
	renderContent(builder, content)
	builder.WriteString(closing)
}

func renderContent(builder *strings.Builder, content []Node) {
	for _, child := range content {
		renderNode(builder, child)
	}
}

func headingLevel(attrs map[string]any) int {
	level := 1
	switch value := attrs["level"].(type) {
	case float64:
		level = int(value)
	case int:
		level = value
	case int64:
		level = int(value)
	}
	if level < 1 || level > 6 {
		return 1
	}
	return level
}

// Marks apply from the outside in.
func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	htmlText := html.EscapeString(text)
	for index := len(marks) - 1; index >= 0; index-- {
		mark := marks[index]
		switch mark.Type {
		case "bold":
			htmlText = "<strong>" + htmlText + "</strong>"
		case "italic":
			htmlText = "<em>" + htmlText + "</em>"
		case "code":
			htmlText = "<code>" + htmlText + "</code>"
		case "link":
			href, _ := mark.Attrs["href"].(string)
			htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
		case "strike":
			htmlText = "<s>" + htmlText + "</s>"
		case "underline":
			htmlText = "<u>" + htmlText + "</u>"
		}
	}
	return htmlText
}

// PlainText derives whitespace-collapsed search text, one line per block.
func PlainText(doc Node) string {
	lines := make([]string, 0, len(doc.Content))
	collectLines(doc, &lines)
	return strings.Join(lines, "\n")
}

func collectLines(node Node, lines *[]string) {
	if isInlineContainer(node) {
		var builder strings.Builder
		collectInline(node, &builder)
		if line := strings.Join(strings.Fields(builder.String()), " "); line != "" {
			*lines = append(*lines, line)
		}
		return
	}
	for _, child := range node.Content {
		collectLines(child, lines)
	}
}

func isInlineContainer(node Node) bool {
	if len(node.Content) == 0 {
		return node.Type == typeText
	}
	for _, child := range node.Content {
		if child.Type != typeText && child.Type != "hardBreak" {
			return false
		}
	}
	return true
}

func collectInline(node Node, builder *strings.Builder) {
	switch node.Type {
	case typeText:
		builder.WriteString(node.Text)
	case "hardBreak":
		builder.WriteString(" ")
	}
	for _, child := range node.Content {
		collectInline(child, builder)
	}
}
