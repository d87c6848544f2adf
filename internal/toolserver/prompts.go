package toolserver

import (
	"fmt"
	"strings"
)

// researchPrompt frames a research delegation with a depth-specific
// instruction tail.
func researchPrompt(topic, context, depth string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research request: %s\n", topic)
	if context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", context)
	}
	b.WriteString("\n")
	switch depth {
	case "shallow":
		b.WriteString("Give a quick overview of the most important points. Keep it brief.")
	case "deep":
		b.WriteString("Give an exhaustive analysis. Explore alternatives, edge cases, " +
			"and trade-offs, and include code examples where they help.")
	default:
		b.WriteString("Give a thorough analysis with specific findings and concrete recommendations.")
	}
	return b.String()
}

// reviewPrompt frames a review request with a type-specific focus tail.
func reviewPrompt(content, context, reviewType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review request (%s):\n\n%s\n", reviewType, content)
	if context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", context)
	}
	b.WriteString("\n")
	switch reviewType {
	case "code":
		b.WriteString("Focus on correctness, readability, and maintainability. " +
			"Point at specific lines where possible.")
	case "architecture":
		b.WriteString("Focus on component boundaries, coupling, data flow, and how " +
			"the design will evolve under new requirements.")
	case "security":
		b.WriteString("Focus on input validation, authentication and authorization, " +
			"secrets handling, and injection surfaces.")
	case "performance":
		b.WriteString("Focus on hot paths, allocation patterns, algorithmic " +
			"complexity, and contention.")
	default:
		b.WriteString("Assess overall quality and flag anything that would block approval.")
	}
	return b.String()
}
