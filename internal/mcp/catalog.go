package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// CatalogEntry is one tool in the Manager's cross-server catalog.
type CatalogEntry struct {
	// Server is the configured server name the tool belongs to.
	Server string

	// Name is the namespaced name callers route on. See [ToolName].
	Name string

	Tool ToolDefinition
}

// ToolName generates a namespaced tool name from an MCP server name and
// tool name, as "mcp__{server}__{tool}". Both components are sanitized
// to contain only lowercase alphanumeric characters and single
// underscores, so the double-underscore separators stay unambiguous.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp__%s__%s", SanitizeName(serverName), SanitizeName(mcpToolName))
}

// filterTools applies include/exclude lists to a server's tools:
//   - If include is non-empty, only tools whose MCP names appear in it are kept.
//   - Otherwise, tools whose MCP names appear in exclude are dropped.
//   - If both are empty, all tools are kept.
func filterTools(tools []ToolDefinition, include, exclude []string) []ToolDefinition {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var out []ToolDefinition
	for _, td := range tools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}
		out = append(out, td)
	}
	return out
}

// SanitizeName converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
// Distinct names can sanitize to the same string; see [ToolName].
func SanitizeName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// catalogEntries namespaces a server's tools. A tool whose qualified
// name repeats an earlier one is left out and its MCP name is returned in
// dropped, so the first listed tool keeps the name.
func catalogEntries(server string, tools []ToolDefinition) (entries []CatalogEntry, dropped []string) {
	entries = make([]CatalogEntry, 0, len(tools))
	seen := make(map[string]string, len(tools))
	for _, td := range tools {
		name := ToolName(server, td.Name)
		if _, dup := seen[name]; dup {
			dropped = append(dropped, td.Name)
			continue
		}
		seen[name] = td.Name
		entries = append(entries, CatalogEntry{
			Server: server,
			Name:   name,
			Tool:   td,
		})
	}
	return entries, dropped
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
