// Пакет mediatype — политика допустимых типов загружаемых файлов.
// Тип определяется только по сигнатуре первых байт (magic numbers),
// заявленный клиентом Content-Type не учитывается.
package mediatype

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SniffLen — сколько первых байт нужно для определения типа.
// Совпадает с лимитом чтения mimetype по умолчанию.
const SniffLen = 3072

// defaultTypes — таблица по умолчанию: изображения, видео, аудио, документы.
// Текстовые форматы (html, css, js, json) не включены: у них нет
// надёжной сигнатуры, и отдавать их с собственного origin небезопасно.
// SVG допускается: объекты отдаются с CSP песочницы (см. service.DownloadService).
var defaultTypes = []string{
	// Изображения
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
	"image/svg+xml",
	// Видео
	"video/mp4",
	"video/webm",
	"video/x-msvideo",
	"video/quicktime",
	"video/x-flv",
	// Аудио
	"audio/mpeg",
	"audio/wav",
	"audio/ogg",
	"audio/flac",
	"audio/aac",
	"audio/x-m4a",
	// Документы
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"text/rtf",
	"application/vnd.oasis.opendocument.text",
	"application/vnd.oasis.opendocument.spreadsheet",
	"application/vnd.oasis.opendocument.presentation",
}

// DefaultTypes возвращает копию таблицы по умолчанию.
func DefaultTypes() []string {
	out := make([]string, len(defaultTypes))
	copy(out, defaultTypes)
	return out
}

// Policy — allow-list MIME-типов.
type Policy struct {
	allowed []string
	// unknown — типы из списка, для которых у детектора нет сигнатуры
	unknown []string
}

// NewPolicy создаёт политику. Пустой список — таблица по умолчанию.
// Элемент без "/" считается ошибкой конфигурации. Типы без сигнатуры
// не отбрасываются, но перечисляются в Unknown: их никогда не удастся сопоставить.
func NewPolicy(types []string) (*Policy, error) {
	if len(types) == 0 {
		types = defaultTypes
	}

	p := &Policy{}
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		t = normalize(t)
		if t == "" || !strings.Contains(t, "/") {
			return nil, fmt.Errorf("некорректный MIME-тип %q", t)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		p.allowed = append(p.allowed, t)
		if mimetype.Lookup(t) == nil {
			p.unknown = append(p.unknown, t)
		}
	}
	return p, nil
}

// Types возвращает разрешённые типы в отсортированном виде.
func (p *Policy) Types() []string {
	out := make([]string, len(p.allowed))
	copy(out, p.allowed)
	sort.Strings(out)
	return out
}

// Unknown возвращает типы из политики, которые детектор не умеет распознавать.
func (p *Policy) Unknown() []string {
	return p.unknown
}

// Match определяет тип по первым байтам и проверяет его по политике.
// Возвращает определённый тип (без параметров) даже при отказе, для логов.
// Сравнивается только сам определённый тип и его синонимы: родительские
// типы не учитываются, иначе text/html прошёл бы как text/plain.
func (p *Policy) Match(head []byte) (string, bool) {
	if len(head) == 0 {
		return "", false
	}
	if len(head) > SniffLen {
		head = head[:SniffLen]
	}

	m := mimetype.Detect(head)
	detected := normalize(m.String())
	for _, t := range p.allowed {
		if m.Is(t) {
			return detected, true
		}
	}
	return detected, false
}

// Allowed проверяет строковый тип по политике (без сниффинга).
func (p *Policy) Allowed(mime string) bool {
	mime = normalize(mime)
	for _, t := range p.allowed {
		if t == mime {
			return true
		}
	}
	return false
}

// normalize отбрасывает параметры (; charset=...) и приводит к нижнему регистру.
func normalize(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}
