// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

var userDefinedNamePattern = regexp.MustCompile(`^\p{L}\p{M}*(\p{L}\p{M}*|\p{Nd}|_)*$`)

var reservedNames = func() map[string]bool {
	words := []string{
		"ABORT", "ACTION", "ADD", "AFTER", "ALL", "ALTER", "ANALYZE", "AND", "AS", "ASC",
		"ATTACH", "AUTOINCREMENT", "BEFORE", "BEGIN", "BETWEEN", "BY", "CASCADE", "CASE",
		"CAST", "CHECK", "COLLATE", "COLUMN", "COMMIT", "CONFLICT", "CONSTRAINT", "CREATE",
		"CROSS", "CURRENT_DATE", "CURRENT_TIME", "CURRENT_TIMESTAMP", "DATABASE", "DEFAULT",
		"DEFERRABLE", "DEFERRED", "DELETE", "DESC", "DETACH", "DISTINCT", "DROP", "EACH",
		"ELSE", "END", "ESCAPE", "EXCEPT", "EXCLUSIVE", "EXISTS", "EXPLAIN", "FAIL", "FOR",
		"FOREIGN", "FROM", "FULL", "GLOB", "GROUP", "HAVING", "IF", "IGNORE", "IMMEDIATE",
		"IN", "INDEX", "INDEXED", "INITIALLY", "INNER", "INSERT", "INSTEAD", "INTERSECT",
		"INTO", "IS", "ISNULL", "JOIN", "KEY", "LEFT", "LIKE", "LIMIT", "MATCH", "NATURAL",
		"NO", "NOT", "NOTNULL", "NULL", "OF", "OFFSET", "ON", "OR", "ORDER", "OUTER", "PLAN",
		"PRAGMA", "PRIMARY", "QUERY", "RAISE", "RECURSIVE", "REFERENCES", "REGEXP", "REINDEX",
		"RELEASE", "RENAME", "REPLACE", "RESTRICT", "RIGHT", "ROLLBACK", "ROW", "SAVEPOINT",
		"SELECT", "SET", "TABLE", "TEMP", "TEMPORARY", "THEN", "TO", "TRANSACTION", "TRIGGER",
		"UNION", "UNIQUE", "UPDATE", "USING", "VACUUM", "VALUES", "VIEW", "VIRTUAL", "WHEN",
		"WHERE", "WITH", "WITHOUT",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()

// IsValidUserDefinedDatabaseName reports whether name may be used as a table id
// or element key. Names must start with a letter and may not collide with SQL
// keywords; administrative columns start with an underscore and are excluded.
func IsValidUserDefinedDatabaseName(name string) bool {
	if !userDefinedNamePattern.MatchString(name) {
		return false
	}
	return !reservedNames[strings.ToUpper(name)]
}

// ConstructSimpleDisplayName derives a human name from an element key.
func ConstructSimpleDisplayName(elementKey string) string {
	name := strings.ReplaceAll(elementKey, "_", " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return elementKey
	}
	return name
}

// LocalizedDisplayName extracts display text from a stored display-name value,
// which is either a JSON string, a {"text": ...} object whose text is a string
// or a locale map, or bare text.
func LocalizedDisplayName(stored string) string {
	trimmed := strings.TrimSpace(stored)
	if trimmed == "" {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return stored
	}
	switch text := obj["text"].(type) {
	case string:
		return text
	case map[string]any:
		if d, ok := text["default"].(string); ok {
			return d
		}
		locales := make([]string, 0, len(text))
		for k := range text {
			locales = append(locales, k)
		}
		sort.Strings(locales)
		for _, k := range locales {
			if s, ok := text[k].(string); ok {
				return s
			}
		}
	}
	return stored
}
