package mediatype

import (
	"bytes"
	"testing"
)

// pngPixel — PNG 1x1, прозрачный пиксель.
var pngPixel = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, 0x89, 0x00, 0x00, 0x00,
	0x0A, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82,
}

func TestMatch_DefaultPolicy(t *testing.T) {
	p, err := NewPolicy(nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	tests := []struct {
		name     string
		head     []byte
		wantMIME string
		allowed  bool
	}{
		{"png", pngPixel, "image/png", true},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, "image/jpeg", true},
		{"gif", []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00"), "image/gif", true},
		{"pdf", []byte("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n"), "application/pdf", true},
		{"обычный текст", []byte("hello world, definitely a png"), "text/plain", false},
		{"html", []byte("<!DOCTYPE html><html><script>alert(1)</script></html>"), "text/html", false},
		{"elf", append([]byte("\x7fELF\x02\x01\x01"), bytes.Repeat([]byte{0}, 64)...), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, ok := p.Match(tt.head)
			if ok != tt.allowed {
				t.Errorf("allowed: ожидалось %v, получено %v (тип %q)", tt.allowed, ok, mime)
			}
			if tt.wantMIME != "" && mime != tt.wantMIME {
				t.Errorf("тип: ожидалось %q, получено %q", tt.wantMIME, mime)
			}
		})
	}
}

func TestMatch_Empty(t *testing.T) {
	p, _ := NewPolicy(nil)
	if _, ok := p.Match(nil); ok {
		t.Error("пустые данные не должны проходить политику")
	}
}

func TestMatch_CustomPolicy(t *testing.T) {
	p, err := NewPolicy([]string{"image/gif", "text/plain; charset=utf-8"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	if _, ok := p.Match(pngPixel); ok {
		t.Error("png не входит в политику")
	}
	if mime, ok := p.Match([]byte("just some text")); !ok || mime != "text/plain" {
		t.Errorf("text/plain: получено %q, %v", mime, ok)
	}
	if got := p.Types(); len(got) != 2 || got[0] != "image/gif" || got[1] != "text/plain" {
		t.Errorf("Types: получено %v", got)
	}
}

func TestNewPolicy_Validation(t *testing.T) {
	if _, err := NewPolicy([]string{"png"}); err == nil {
		t.Error("ожидалась ошибка для типа без '/'")
	}

	p, err := NewPolicy([]string{"image/png", "application/x-made-up"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	if u := p.Unknown(); len(u) != 1 || u[0] != "application/x-made-up" {
		t.Errorf("Unknown: получено %v", u)
	}
}

func TestDefaultTypes_Known(t *testing.T) {
	p, _ := NewPolicy(nil)
	if u := p.Unknown(); len(u) != 0 {
		t.Errorf("таблица по умолчанию содержит типы без сигнатуры: %v", u)
	}
	if !p.Allowed("IMAGE/PNG") {
		t.Error("Allowed: image/png должен быть разрешён")
	}
	if p.Allowed("text/html") {
		t.Error("Allowed: text/html не должен быть разрешён")
	}
}
