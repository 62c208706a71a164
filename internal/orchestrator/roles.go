// ABOUTME: Agent roles as a closed set with per-role eligibility predicates
// ABOUTME: Adding a role means adding a Role constant and a roleTable entry

package orchestrator

import (
	"fmt"
	"strings"
)

// Role is an agent specialty.
type Role int

// Known roles. RoleUnknown agents only respond when addressed by name.
const (
	RoleUnknown Role = iota
	RoleLead
	RoleDesigner
	RoleDevOps
	RoleEngineer
	RoleTester
	RoleJunior
)

// predicate reports whether lowercased message text falls in a role's remit.
type predicate func(text string) bool

type roleDef struct {
	keyword     string   // canonical name; mentioning it addresses the role
	aliases     []string // accepted spellings in agent config
	matches     predicate
	spontaneous bool // may join uninvited by random chance
}

var roleTable = map[Role]roleDef{
	RoleUnknown: {
		keyword: "",
		matches: never,
	},
	RoleLead: {
		keyword: "lead",
		aliases: []string{"pm", "manager", "generalist", "product"},
		matches: asksQuestion,
	},
	RoleDesigner: {
		keyword: "designer",
		aliases: []string{"design", "ux", "ui"},
		matches: mentionsAny("design", "designs", "designed", "designing", "designers",
			"layout", "layouts", "color", "colors", "colour", "colours", "font", "fonts",
			"typography", "ux", "mockup", "mockups", "wireframe", "wireframes",
			"style", "styles", "styling", "css", "logo", "logos"),
	},
	RoleDevOps: {
		keyword: "devops",
		aliases: []string{"infra", "infrastructure", "ops", "sre"},
		matches: mentionsAny("deploy", "deploys", "deployed", "deploying", "deployment", "deployments",
			"infrastructure", "server", "servers", "docker", "kubernetes", "k8s", "ci",
			"pipeline", "pipelines", "hosting", "dns", "outage", "outages", "monitoring"),
	},
	RoleEngineer: {
		keyword: "engineer",
		aliases: []string{"developer", "dev", "backend", "frontend"},
		matches: mentionsAny("code", "coding", "bug", "bugs", "api", "apis", "database", "databases",
			"function", "functions", "refactor", "refactoring", "endpoint", "endpoints",
			"error", "errors", "crash", "crashes", "crashed", "performance"),
	},
	RoleTester: {
		keyword: "tester",
		aliases: []string{"qa", "test"},
		matches: mentionsAny("test", "tests", "tested", "testing", "qa", "regression", "regressions",
			"flaky", "coverage", "repro"),
	},
	RoleJunior: {
		keyword:     "junior",
		aliases:     []string{"intern", "apprentice"},
		matches:     never,
		spontaneous: true,
	},
}

// ParseRole maps a configured role name (or alias) to a Role.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return RoleUnknown, fmt.Errorf("empty role")
	}
	for role, def := range roleTable {
		if role == RoleUnknown {
			continue
		}
		if name == def.keyword {
			return role, nil
		}
		for _, a := range def.aliases {
			if name == a {
				return role, nil
			}
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

// String returns the role's canonical keyword.
func (r Role) String() string {
	if def, ok := roleTable[r]; ok && def.keyword != "" {
		return def.keyword
	}
	return "unknown"
}

// Matches reports whether text falls in the role's remit. It does not
// consider names, keywords or random participation.
func (r Role) Matches(text string) bool {
	def, ok := roleTable[r]
	if !ok {
		return false
	}
	return def.matches(strings.ToLower(text))
}

// Spontaneous reports whether the role may reply uninvited by chance.
func (r Role) Spontaneous() bool {
	return roleTable[r].spontaneous
}

func never(string) bool { return false }

func asksQuestion(text string) bool {
	return strings.Contains(text, "?")
}

func mentionsAny(words ...string) predicate {
	return func(text string) bool {
		for _, w := range words {
			if containsWord(text, w) {
				return true
			}
		}
		return false
	}
}

// containsWord reports whether word occurs in text as a whole word, so "ci"
// matches "ci failed" but not "decide" or "city". Inflections are listed as
// separate words by the callers.
func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for i := 0; i <= len(text)-len(word); {
		j := strings.Index(text[i:], word)
		if j < 0 {
			return false
		}
		at := i + j
		end := at + len(word)
		if (at == 0 || !isWordByte(text[at-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = at + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
