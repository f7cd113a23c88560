package richtext

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// TypeDoc is the required root node type.
	TypeDoc       = "doc"
	typeParagraph = "paragraph"
	typeText      = "text"
)

var (
	// ErrInvalidTree indicates that a snapshot does not have the structure of an editor document.
	ErrInvalidTree = errors.New("richtext: invalid document tree")
)

// Node is one element of the structured editor tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting attached to a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Empty returns the canonical empty document: a doc with one empty paragraph.
func Empty() Node {
	return Node{Type: TypeDoc, Content: []Node{{Type: typeParagraph}}}
}

// Parse decodes and validates a JSON-encoded document tree.
func Parse(raw []byte) (Node, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Node{}, fmt.Errorf("%w: empty", ErrInvalidTree)
	}
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidTree, err)
	}
	if err := node.Validate(); err != nil {
		return Node{}, err
	}
	return node, nil
}

// Validate checks the structural requirements of a document root.
func (n Node) Validate() error {
	if n.Type != TypeDoc {
		return fmt.Errorf("%w: root type %q", ErrInvalidTree, n.Type)
	}
	if n.Content == nil {
		return fmt.Errorf("%w: root has no content list", ErrInvalidTree)
	}
	return validateChildren(n.Content)
}

func validateChildren(children []Node) error {
	for index, child := range children {
		if strings.TrimSpace(child.Type) == "" {
			return fmt.Errorf("%w: child %d has no type", ErrInvalidTree, index)
		}
		if child.Type == TypeDoc {
			return fmt.Errorf("%w: nested doc node", ErrInvalidTree)
		}
		if err := validateChildren(child.Content); err != nil {
			return err
		}
	}
	return nil
}

// JSON encodes the tree.
func (n Node) JSON() ([]byte, error) {
	return json.Marshal(n)
}

// MarshalJSON always emits the content list of a doc root so encoded trees keep validating.
func (n Node) MarshalJSON() ([]byte, error) {
	type plainNode Node
	if n.Type != TypeDoc {
		return json.Marshal(plainNode(n))
	}
	content := n.Content
	if content == nil {
		content = []Node{}
	}
	return json.Marshal(struct {
		plainNode
		Content []Node `json:"content"`
	}{plainNode: plainNode(n), Content: content})
}

// Equal reports whether two trees encode identically.
func (n Node) Equal(other Node) bool {
	left, leftErr := n.JSON()
	right, rightErr := other.JSON()
	if leftErr != nil || rightErr != nil {
		return false
	}
	return string(left) == string(right)
}

// AppendParagraph returns a copy of the document with a trailing text paragraph.
// A trailing empty paragraph is replaced rather than kept.
func AppendParagraph(doc Node, text string) Node {
	content := make([]Node, 0, len(doc.Content)+1)
	content = append(content, doc.Content...)
	if last := len(content) - 1; last >= 0 && content[last].Type == typeParagraph && len(content[last].Content) == 0 {
		content = content[:last]
	}
	paragraph := Node{Type: typeParagraph}
	if text != "" {
		paragraph.Content = []Node{{Type: typeText, Text: text}}
	}
	content = append(content, paragraph)
	return Node{Type: TypeDoc, Attrs: doc.Attrs, Content: content}
}
