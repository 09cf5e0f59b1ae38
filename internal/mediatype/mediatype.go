// Package mediatype maps file extensions to MIME types and classifies MIME
// types into the categories Honeydew renders differently.
package mediatype

import (
	"mime"
	"slices"
	"strings"
)

// Kind is the broad category of a MIME type.
type Kind int

const (
	Application Kind = iota
	Audio
	Font
	Image
	Model
	Text
	Video
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Application:
		return "application"
	case Audio:
		return "audio"
	case Font:
		return "font"
	case Image:
		return "image"
	case Model:
		return "model"
	case Text:
		return "text"
	case Video:
		return "video"
	}
	return "unknown"
}

// OctetStream is the fallback MIME type.
const OctetStream = "application/octet-stream"

// PlainText is what text-like uploads are served as.
const PlainText = "text/plain; charset=utf-8"

// extensionTypes takes precedence over the system MIME tables so results do
// not depend on the host.
var extensionTypes = map[string]string{
	".sql":  "application/sql",
	".txt":  "text/plain",
	".log":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".htm":  "text/html",
	".html": "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": "application/json",
	".xml":  "text/xml",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".rs":   "text/x-rust",
	".sh":   "text/x-shellscript",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".xls":  "application/vnd.ms-excel",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".woff": "font/woff",
	".ttf":  "font/ttf",
}

// ForExtension returns the MIME type for a file extension such as ".png".
// Unknown extensions map to OctetStream.
func ForExtension(ext string) string {
	ext = strings.ToLower(ext)
	if ext == "" {
		return OctetStream
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		base, _, _ := strings.Cut(t, ";")
		return strings.TrimSpace(base)
	}
	return OctetStream
}

// Category classifies a MIME type. A handful of application types that are
// really text are reported as Text.
func Category(mediaType string) Kind {
	switch mediaType {
	case "application/pdf":
		return Application
	case "application/vnd.ms-excel", "application/sql", "application/json":
		return Text
	}
	switch {
	case strings.HasPrefix(mediaType, "audio"):
		return Audio
	case strings.HasPrefix(mediaType, "image"):
		return Image
	case strings.HasPrefix(mediaType, "text"):
		return Text
	case strings.HasPrefix(mediaType, "video"):
		return Video
	}
	return Unknown
}

// ServeAs returns the Content-Type to serve an upload with. Text-like types
// are served as plain text so browsers display rather than execute them.
func ServeAs(mediaType string) string {
	if Category(mediaType) == Text {
		return PlainText
	}
	if mediaType == "" {
		return OctetStream
	}
	return mediaType
}

// CodeLanguages is the list of syntax-highlighting languages an upload can
// be tagged with.
var CodeLanguages = []string{
	"abap", "apex", "azcli", "bat", "cameligo", "clojure", "coffee", "cpp",
	"csharp", "csp", "css", "dockerfile", "fsharp", "go", "graphql",
	"handlebars", "html", "ini", "java", "javascript", "kotlin", "less", "lua",
	"markdown", "mips", "msdax", "mysql", "objective-c", "pascal", "pascaligo",
	"perl", "pgsql", "php", "postiats", "powerquery", "powershell", "pug",
	"python", "r", "razor", "redis", "redshift", "restructuredtext", "ruby",
	"rust", "sb", "scheme", "scss", "shell", "solidity", "sophia", "sql", "st",
	"swift", "tcl", "twig", "typescript", "vb", "xml", "yaml",
}

// IsCodeLanguage reports whether lang is in CodeLanguages.
func IsCodeLanguage(lang string) bool {
	return slices.Contains(CodeLanguages, lang)
}

var extensionLanguages = map[string]string{
	".bat": "bat", ".clj": "clojure", ".coffee": "coffee", ".cpp": "cpp",
	".cc": "cpp", ".h": "cpp", ".cs": "csharp", ".css": "css",
	".fs": "fsharp", ".go": "go", ".graphql": "graphql", ".hbs": "handlebars",
	".html": "html", ".htm": "html", ".ini": "ini", ".java": "java",
	".js": "javascript", ".mjs": "javascript", ".kt": "kotlin", ".less": "less",
	".lua": "lua", ".md": "markdown", ".m": "objective-c", ".pas": "pascal",
	".pl": "perl", ".php": "php", ".ps1": "powershell", ".pug": "pug",
	".py": "python", ".r": "r", ".cshtml": "razor", ".rst": "restructuredtext",
	".rb": "ruby", ".rs": "rust", ".scm": "scheme", ".scss": "scss",
	".sh": "shell", ".bash": "shell", ".sol": "solidity", ".sql": "sql",
	".swift": "swift", ".tcl": "tcl", ".twig": "twig", ".ts": "typescript",
	".tsx": "typescript", ".vb": "vb", ".xml": "xml", ".yaml": "yaml",
	".yml": "yaml", ".json": "javascript",
}

// LanguageForExtension guesses the code language of a file from its
// extension. It returns "" when there is no match.
func LanguageForExtension(ext string) string {
	return extensionLanguages[strings.ToLower(ext)]
}

// LanguageForFileName is LanguageForExtension for a whole file name, with a
// special case for Dockerfiles, which have no extension.
func LanguageForFileName(name string) string {
	if strings.EqualFold(name, "dockerfile") {
		return "dockerfile"
	}
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return LanguageForExtension(name[i:])
}
