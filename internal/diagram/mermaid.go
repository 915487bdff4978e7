package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/tradeflow/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef trading stroke:#d4a017,stroke-width:3px\n")

	for _, node := range model.Nodes {
		id := mermaidSafeID(node.ID)
		if node.Trading {
			fmt.Fprintf(&b, "    class %s trading\n", id)
		}
		if node.Status != nil {
			fmt.Fprintf(&b, "    class %s %s\n", id, node.Status.Status)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a node definition whose shape follows its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := node.Label
	if node.Status != nil && node.Status.Status == schema.NodeStatusFailed && node.Status.Error != "" {
		label += " " + node.Status.Error
	}

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindRisk:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindTrigger:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindProvider:
		return fmt.Sprintf("%s[(%q)]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid treats as syntax.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}
