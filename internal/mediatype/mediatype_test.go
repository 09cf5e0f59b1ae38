package mediatype

import "testing"

func TestForExtension(t *testing.T) {
	tests := []struct {
		ext  string
		want string
	}{
		{".sql", "application/sql"},
		{".PNG", "image/png"},
		{"pdf", "application/pdf"},
		{".txt", "text/plain"},
		{"", OctetStream},
		{".definitely-not-a-real-extension", OctetStream},
	}
	for _, tt := range tests {
		if got := ForExtension(tt.ext); got != tt.want {
			t.Errorf("ForExtension(%q) = %q, want %q", tt.ext, got, tt.want)
		}
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		mediaType string
		want      Kind
	}{
		{"application/pdf", Application},
		{"application/vnd.ms-excel", Text},
		{"application/sql", Text},
		{"application/json", Text},
		{"audio/mpeg", Audio},
		{"image/png", Image},
		{"text/csv", Text},
		{"video/mp4", Video},
		{"application/zip", Unknown},
		{"font/woff", Unknown},
		{"", Unknown},
	}
	for _, tt := range tests {
		if got := Category(tt.mediaType); got != tt.want {
			t.Errorf("Category(%q) = %v, want %v", tt.mediaType, got, tt.want)
		}
	}
}

func TestServeAs(t *testing.T) {
	if got := ServeAs("text/html"); got != PlainText {
		t.Errorf("ServeAs(text/html) = %q, want %q", got, PlainText)
	}
	if got := ServeAs("application/json"); got != PlainText {
		t.Errorf("ServeAs(application/json) = %q, want %q", got, PlainText)
	}
	if got := ServeAs("image/png"); got != "image/png" {
		t.Errorf("ServeAs(image/png) = %q", got)
	}
	if got := ServeAs(""); got != OctetStream {
		t.Errorf("ServeAs(\"\") = %q, want %q", got, OctetStream)
	}
}

func TestCodeLanguages(t *testing.T) {
	if len(CodeLanguages) != 60 {
		t.Errorf("len(CodeLanguages) = %d, want 60", len(CodeLanguages))
	}
	if !IsCodeLanguage("go") || IsCodeLanguage("golang") {
		t.Error("IsCodeLanguage misclassifies")
	}
	for ext, lang := range extensionLanguages {
		if !IsCodeLanguage(lang) {
			t.Errorf("extension %s maps to unknown language %q", ext, lang)
		}
	}
}

func TestLanguageForFileName(t *testing.T) {
	tests := map[string]string{
		"main.go":    "go",
		"Dockerfile": "dockerfile",
		"notes":      "",
		"a.b.PY":     "python",
		"photo.png":  "",
	}
	for name, want := range tests {
		if got := LanguageForFileName(name); got != want {
			t.Errorf("LanguageForFileName(%q) = %q, want %q", name, got, want)
		}
	}
}
