// Package persona defines the prompt and policy bundles selected per
// outgoing message to the subprocess peer.
package persona

import "strings"

// Persona is a static prompt and policy bundle.
type Persona struct {
	Name         string
	Category     string
	Description  string
	Instructions string
	Triggers     []string
	// Sandbox overrides the configured sandbox mode for this persona's
	// calls when non-empty.
	Sandbox string
}

// Architect is the default persona for design and implementation work.
var Architect = Persona{
	Name:        "architect",
	Category:    "engineering",
	Description: "Systems design and implementation planning",
	Instructions: "You are a pragmatic software architect. Analyse the request, " +
		"weigh the trade-offs, and answer with a concrete plan: affected " +
		"components, interfaces, data flow, and the order of changes. Prefer " +
		"the smallest design that satisfies the requirements. Call out risks " +
		"and open decisions explicitly.",
}

// Oracle is selected when the message reads like a debugging question.
var Oracle = Persona{
	Name:        "oracle",
	Category:    "debugging",
	Description: "Root-cause analysis and debugging",
	Instructions: "You are a debugging specialist. Work from the evidence in the " +
		"message: form hypotheses about the root cause, rank them by " +
		"likelihood, and describe how to confirm or eliminate each one. " +
		"When you identify the cause, give the narrowest fix and note what " +
		"would have caught it earlier.",
	Triggers: []string{
		"why", "debug", "investigate", "root cause", "understand",
		"explain", "failing", "broken", "not working", "error", "bug",
	},
}

// ByName returns the named persona, or nil when unknown.
func ByName(name string) *Persona {
	switch name {
	case Architect.Name:
		return &Architect
	case Oracle.Name:
		return &Oracle
	}
	return nil
}

// Select picks the persona for a message: an explicit name wins, then
// the first oracle trigger found as a substring of the lowercased
// content, then the architect default.
func Select(content, explicit string) *Persona {
	if p := ByName(explicit); p != nil {
		return p
	}
	lower := strings.ToLower(content)
	for _, trigger := range Oracle.Triggers {
		if strings.Contains(lower, trigger) {
			return &Oracle
		}
	}
	return &Architect
}
