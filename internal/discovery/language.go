package discovery

import "strings"

// LanguageUnknown tags files whose extension has no known language.
const LanguageUnknown = "unknown"

var languages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".md":   "markdown",
	".json": "json",
	".yml":  "yaml",
	".yaml": "yaml",
	".html": "html",
	".css":  "css",
	".sql":  "sql",
	".sh":   "bash",
	".bash": "bash",
	".go":   "go",
	".rs":   "rust",
	".java": "java",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".c":    "c",
	".h":    "c",
}

// LanguageFor maps a file extension (with leading dot) to a language tag.
func LanguageFor(ext string) string {
	if lang, ok := languages[strings.ToLower(ext)]; ok {
		return lang
	}
	return LanguageUnknown
}
